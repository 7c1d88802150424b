package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lfelipessoa/batchbus/internal/model"
)

// QueueRepository is the durable event work queue. Envelopes become
// visible at visible_at and are handed to exactly one dispatcher
// instance at a time via an atomic claim; a claim left behind by a
// crashed worker is reopened after the claim TTL lapses.
type QueueRepository struct {
	collection *mongo.Collection
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db *MongoDB) *QueueRepository {
	return &QueueRepository{
		collection: db.GetCollection(CollectionEventQueue),
	}
}

// Enqueue appends an envelope to the queue
func (r *QueueRepository) Enqueue(ctx context.Context, event *model.Event) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.collection.InsertOne(ctxTimeout, event)
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}

	return nil
}

// ClaimNext atomically claims the oldest visible, unclaimed envelope
// for the given worker. Returns (nil, nil) when nothing is due.
// FindOneAndUpdate with a claimed_at guard makes the claim safe across
// concurrent dispatcher instances.
func (r *QueueRepository) ClaimNext(ctx context.Context, workerID string, claimTTL time.Duration) (*model.Event, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	staleBefore := now.Add(-claimTTL)

	filter := bson.M{
		"visible_at": bson.M{"$lte": now},
		"$or": []bson.M{
			{"claimed_at": nil},
			{"claimed_at": bson.M{"$exists": false}},
			{"claimed_at": bson.M{"$lt": staleBefore}},
		},
	}

	update := bson.M{
		"$set": bson.M{
			"claimed_by": workerID,
			"claimed_at": now,
		},
	}

	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "visible_at", Value: 1}}).
		SetReturnDocument(options.After)

	var event model.Event
	err := r.collection.FindOneAndUpdate(ctxTimeout, filter, update, opts).Decode(&event)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim event: %w", err)
	}

	return &event, nil
}

// Complete discards a delivered envelope. Completed deliveries are
// never replayed.
func (r *QueueRepository) Complete(ctx context.Context, eventID string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.collection.DeleteOne(ctxTimeout, bson.M{"_id": eventID})
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}

	return nil
}

// Retry reschedules a failed envelope: the claim is released, the
// attempt counter advances and the envelope becomes visible again
// after the given delay.
func (r *QueueRepository) Retry(ctx context.Context, eventID string, attempt int, delay time.Duration) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	visibleAt := time.Now().UTC().Add(delay)

	update := bson.M{
		"$set": bson.M{
			"attempt":    attempt,
			"visible_at": visibleAt,
		},
		"$unset": bson.M{
			"claimed_by": "",
			"claimed_at": "",
		},
	}

	result, err := r.collection.UpdateOne(ctxTimeout, bson.M{"_id": eventID}, update)
	if err != nil {
		return fmt.Errorf("failed to reschedule event: %w", err)
	}

	if result.MatchedCount == 0 {
		return fmt.Errorf("event %s no longer exists", eventID)
	}

	return nil
}

// ReleaseStaleClaims reopens envelopes whose claim outlived the claim
// TTL, so work owned by a crashed dispatcher is picked up again.
func (r *QueueRepository) ReleaseStaleClaims(ctx context.Context, claimTTL time.Duration) (int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	staleBefore := time.Now().UTC().Add(-claimTTL)

	filter := bson.M{
		"claimed_at": bson.M{"$lt": staleBefore},
	}

	update := bson.M{
		"$unset": bson.M{
			"claimed_by": "",
			"claimed_at": "",
		},
	}

	result, err := r.collection.UpdateMany(ctxTimeout, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}

	if result.ModifiedCount > 0 {
		slog.Info("Released stale queue claims",
			"count", result.ModifiedCount,
		)
	}

	return result.ModifiedCount, nil
}

// Depth returns the number of envelopes currently in the queue
func (r *QueueRepository) Depth(ctx context.Context) (int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count, err := r.collection.CountDocuments(ctxTimeout, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count queued events: %w", err)
	}

	return count, nil
}
