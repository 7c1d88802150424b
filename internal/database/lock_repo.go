package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lfelipessoa/batchbus/internal/model"
)

// LockRepository handles distributed lock state. All mutations go
// through atomic compare-and-set operations so two callers can never
// both observe "unlocked" and win.
type LockRepository struct {
	collection *mongo.Collection
}

// NewLockRepository creates a new lock repository
func NewLockRepository(db *MongoDB) *LockRepository {
	return &LockRepository{
		collection: db.GetCollection(CollectionLocks),
	}
}

// Acquire attempts to take the lock for key on behalf of ownerID.
// Returns true if the lease was granted, false if it's already held by
// a different, unexpired owner. Re-acquisition by the current owner
// refreshes the expiry. Uses FindOneAndUpdate with upsert for atomic
// acquisition; the unique index on key turns a lost race into a
// duplicate-key error, which is reported as contention.
func (r *LockRepository) Acquire(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	// Filter: no live lock for this key, or the caller already owns it
	filter := bson.M{
		"key": key,
		"$or": []bson.M{
			{"expires_at": bson.M{"$lt": now}},
			{"expires_at": bson.M{"$exists": false}},
			{"locked_by": ownerID},
		},
	}

	update := bson.M{
		"$set": bson.M{
			"key":        key,
			"locked_by":  ownerID,
			"locked_at":  now,
			"expires_at": expiresAt,
		},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var result model.Lock
	err := r.collection.FindOneAndUpdate(ctxTimeout, filter, update, opts).Decode(&result)

	if err != nil {
		if err == mongo.ErrNoDocuments || mongo.IsDuplicateKeyError(err) {
			// Lock is held by another owner and hasn't expired
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if result.LockedBy != ownerID {
		return false, nil
	}

	slog.Debug("Successfully acquired lock",
		"key", key,
		"owner_id", ownerID,
		"expires_at", expiresAt,
	)

	return true, nil
}

// Release clears the lock for key, but only if ownerID currently holds
// it. Returns false without effect for the wrong owner or an unlocked
// key.
func (r *LockRepository) Release(ctx context.Context, key, ownerID string) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{
		"key":       key,
		"locked_by": ownerID,
	}

	result, err := r.collection.DeleteOne(ctxTimeout, filter)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}

	if result.DeletedCount > 0 {
		slog.Debug("Successfully released lock",
			"key", key,
			"owner_id", ownerID,
		)
	}

	return result.DeletedCount > 0, nil
}

// ReleaseOwned clears every lock currently held by ownerID. This is
// typically called during graceful shutdown of the owning process.
func (r *LockRepository) ReleaseOwned(ctx context.Context, ownerID string) (int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{
		"locked_by": ownerID,
	}

	result, err := r.collection.DeleteMany(ctxTimeout, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to release owned locks: %w", err)
	}

	if result.DeletedCount > 0 {
		slog.Info("Released all locks for owner",
			"owner_id", ownerID,
			"count", result.DeletedCount,
		)
	}

	return result.DeletedCount, nil
}

// CleanExpired removes all locks whose lease has lapsed. Run
// periodically to handle owners that crashed without releasing.
func (r *LockRepository) CleanExpired(ctx context.Context) (int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.M{
		"expires_at": bson.M{"$lt": now},
	}

	result, err := r.collection.DeleteMany(ctxTimeout, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to clean expired locks: %w", err)
	}

	if result.DeletedCount > 0 {
		slog.Info("Cleaned expired locks",
			"count", result.DeletedCount,
		)
	}

	return result.DeletedCount, nil
}

// Extend pushes out the expiration of a lease still held by ownerID,
// for work that outlives the original TTL.
func (r *LockRepository) Extend(ctx context.Context, key, ownerID string, ttl time.Duration) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	expiresAt := time.Now().UTC().Add(ttl)

	filter := bson.M{
		"key":       key,
		"locked_by": ownerID,
	}

	update := bson.M{
		"$set": bson.M{
			"expires_at": expiresAt,
		},
	}

	result, err := r.collection.UpdateOne(ctxTimeout, filter, update)
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}

	if result.MatchedCount == 0 {
		return model.NewError(model.KindConflict, "lock %s is not held by %s", key, ownerID)
	}

	return nil
}
