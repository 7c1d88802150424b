package database

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CreateIndexes creates all necessary indexes for the collections
func CreateIndexes(ctx context.Context, db *MongoDB) error {
	slog.Info("Creating MongoDB indexes")

	if err := createBatchJobIndexes(ctx, db); err != nil {
		return err
	}

	if err := createEventQueueIndexes(ctx, db); err != nil {
		return err
	}

	if err := createLockIndexes(ctx, db); err != nil {
		return err
	}

	slog.Info("Successfully created all MongoDB indexes")
	return nil
}

func createBatchJobIndexes(ctx context.Context, db *MongoDB) error {
	collection := db.GetCollection(CollectionBatchJobs)

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "created_by", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_created_by_created_at"),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_status_created_at"),
		},
		{
			Keys:    bson.D{{Key: "type", Value: 1}},
			Options: options.Index().SetName("idx_type"),
		},
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := collection.Indexes().CreateMany(ctxTimeout, indexes)
	if err != nil {
		return err
	}

	slog.Info("Created batch_jobs indexes")
	return nil
}

func createEventQueueIndexes(ctx context.Context, db *MongoDB) error {
	collection := db.GetCollection(CollectionEventQueue)

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "visible_at", Value: 1},
				{Key: "claimed_at", Value: 1},
			},
			Options: options.Index().SetName("idx_visible_at_claimed_at"),
		},
		{
			Keys:    bson.D{{Key: "event_name", Value: 1}},
			Options: options.Index().SetName("idx_event_name"),
		},
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := collection.Indexes().CreateMany(ctxTimeout, indexes)
	if err != nil {
		return err
	}

	slog.Info("Created event_queue indexes")
	return nil
}

func createLockIndexes(ctx context.Context, db *MongoDB) error {
	collection := db.GetCollection(CollectionLocks)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_key_unique"),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("idx_expires_at_ttl"),
		},
		{
			Keys:    bson.D{{Key: "locked_by", Value: 1}},
			Options: options.Index().SetName("idx_locked_by"),
		},
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := collection.Indexes().CreateMany(ctxTimeout, indexes)
	if err != nil {
		return err
	}

	slog.Info("Created locks indexes")
	return nil
}
