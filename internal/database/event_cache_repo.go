package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lfelipessoa/batchbus/internal/model"
)

// cachedEventList is one document per cache key holding the ordered
// list of buffered envelopes.
type cachedEventList struct {
	Key       string              `bson:"_id"`
	Events    []model.CachedEvent `bson:"events"`
	UpdatedAt time.Time           `bson:"updated_at"`
}

// EventCacheRepository stores cached-event batches: envelopes buffered
// under a caller-chosen key until the surrounding unit of work commits
// (flush) or rolls back (invalidate). The store is shared, so a batch
// started on one instance can be flushed from another.
type EventCacheRepository struct {
	collection *mongo.Collection
}

// NewEventCacheRepository creates a new cached-event repository
func NewEventCacheRepository(db *MongoDB) *EventCacheRepository {
	return &EventCacheRepository{
		collection: db.GetCollection(CollectionCachedEvents),
	}
}

// Append adds an envelope to the end of the list for key, creating the
// list on first use. $push preserves append order.
func (r *EventCacheRepository) Append(ctx context.Context, key string, event model.CachedEvent) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	update := bson.M{
		"$push": bson.M{"events": event},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}

	opts := options.Update().SetUpsert(true)

	_, err := r.collection.UpdateOne(ctxTimeout, bson.M{"_id": key}, update, opts)
	if err != nil {
		return fmt.Errorf("failed to append cached event: %w", err)
	}

	return nil
}

// List returns the buffered envelopes for key in append order. An
// unknown key yields an empty list.
func (r *EventCacheRepository) List(ctx context.Context, key string) ([]model.CachedEvent, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var list cachedEventList
	err := r.collection.FindOne(ctxTimeout, bson.M{"_id": key}).Decode(&list)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list cached events: %w", err)
	}

	return list.Events, nil
}

// Invalidate discards the list for key without dispatching anything
func (r *EventCacheRepository) Invalidate(ctx context.Context, key string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.collection.DeleteOne(ctxTimeout, bson.M{"_id": key})
	if err != nil {
		return fmt.Errorf("failed to invalidate cached events: %w", err)
	}

	return nil
}
