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

// BatchJobRepository handles batch job persistence
type BatchJobRepository struct {
	collection *mongo.Collection
}

// NewBatchJobRepository creates a new batch job repository
func NewBatchJobRepository(db *MongoDB) *BatchJobRepository {
	return &BatchJobRepository{
		collection: db.GetCollection(CollectionBatchJobs),
	}
}

// Insert creates a new batch job record
func (r *BatchJobRepository) Insert(ctx context.Context, job *model.BatchJob) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.collection.InsertOne(ctxTimeout, job)
	if err != nil {
		return fmt.Errorf("failed to insert batch job: %w", err)
	}

	return nil
}

// FindByID retrieves a batch job by id. Returns (nil, nil) when no
// record exists; the service layer turns that into a typed not-found
// error.
func (r *BatchJobRepository) FindByID(ctx context.Context, id string) (*model.BatchJob, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var job model.BatchJob
	err := r.collection.FindOne(ctxTimeout, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find batch job: %w", err)
	}

	return &job, nil
}

// Save replaces the stored record with the given job
func (r *BatchJobRepository) Save(ctx context.Context, job *model.BatchJob) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := r.collection.ReplaceOne(ctxTimeout, bson.M{"_id": job.ID}, job)
	if err != nil {
		return fmt.Errorf("failed to save batch job: %w", err)
	}

	if result.MatchedCount == 0 {
		return fmt.Errorf("batch job %s no longer exists", job.ID)
	}

	return nil
}

// SaveTransition replaces the stored record only while its status
// still matches the status the caller observed before transitioning.
// A lost race against a concurrent transition surfaces as a conflict
// and the record keeps what the winner wrote.
func (r *BatchJobRepository) SaveTransition(ctx context.Context, job *model.BatchJob, expected model.BatchJobStatus) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{"_id": job.ID, "status": expected}

	result, err := r.collection.ReplaceOne(ctxTimeout, filter, job)
	if err != nil {
		return fmt.Errorf("failed to save batch job transition: %w", err)
	}

	if result.MatchedCount == 0 {
		return model.NewError(model.KindConflict,
			"batch job %s changed status concurrently, expected %q", job.ID, expected)
	}

	return nil
}

// BatchJobFilter narrows FindAndCount results
type BatchJobFilter struct {
	Type      string
	CreatedBy string
	Status    model.BatchJobStatus
}

func (f BatchJobFilter) query() bson.M {
	query := bson.M{}
	if f.Type != "" {
		query["type"] = f.Type
	}
	if f.CreatedBy != "" {
		query["created_by"] = f.CreatedBy
	}
	if f.Status != "" {
		query["status"] = f.Status
	}
	return query
}

// FindAndCount retrieves batch jobs matching the filter with
// pagination, newest first, along with the total match count.
func (r *BatchJobRepository) FindAndCount(ctx context.Context, filter BatchJobFilter, page, limit int) ([]model.BatchJob, int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := filter.query()

	total, err := r.collection.CountDocuments(ctxTimeout, query)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count batch jobs: %w", err)
	}

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	skip := (page - 1) * limit
	opts := options.Find().
		SetSkip(int64(skip)).
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := r.collection.Find(ctxTimeout, query, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var jobs []model.BatchJob
	if err := cursor.All(ctxTimeout, &jobs); err != nil {
		return nil, 0, fmt.Errorf("failed to decode batch jobs: %w", err)
	}

	return jobs, total, nil
}
