package service

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/lfelipessoa/batchbus/internal/database"
	"github.com/lfelipessoa/batchbus/internal/model"
	"github.com/lfelipessoa/batchbus/internal/observability"
)

// Batch job event topics
const (
	EventBatchCreated      = "batch.created"
	EventBatchUpdated      = "batch.updated"
	EventBatchPreProcessed = "batch.pre_processed"
	EventBatchConfirmed    = "batch.confirmed"
	EventBatchProcessing   = "batch.processing"
	EventBatchCompleted    = "batch.completed"
	EventBatchCanceled     = "batch.canceled"
	EventBatchFailed       = "batch.failed"
)

// statusEvents maps each reachable status to the topic announced when
// a job enters it. A status missing here cannot be a transition target.
var statusEvents = map[model.BatchJobStatus]string{
	model.BatchJobStatusPreProcessed: EventBatchPreProcessed,
	model.BatchJobStatusConfirmed:    EventBatchConfirmed,
	model.BatchJobStatusProcessing:   EventBatchProcessing,
	model.BatchJobStatusCompleted:    EventBatchCompleted,
	model.BatchJobStatusCanceled:     EventBatchCanceled,
	model.BatchJobStatusFailed:       EventBatchFailed,
}

// BatchJobStore is the persistence interface for batch job records
type BatchJobStore interface {
	Insert(ctx context.Context, job *model.BatchJob) error
	FindByID(ctx context.Context, id string) (*model.BatchJob, error)
	Save(ctx context.Context, job *model.BatchJob) error
	SaveTransition(ctx context.Context, job *model.BatchJob, expected model.BatchJobStatus) error
	FindAndCount(ctx context.Context, filter database.BatchJobFilter, page, limit int) ([]model.BatchJob, int64, error)
}

// EventPublisher is the narrow emission interface the state machine
// publishes transitions through.
type EventPublisher interface {
	Emit(ctx context.Context, eventName string, data interface{}, opts *model.EmitOptions) error
}

// BatchJobService is the batch job lifecycle state machine. All status
// mutations go through its guarded transition operations; every
// transition persists first and announces a bus event only after the
// write succeeded.
type BatchJobService struct {
	jobs BatchJobStore
	bus  EventPublisher
}

// NewBatchJobService creates a new batch job service
func NewBatchJobService(jobs BatchJobStore, bus EventPublisher) *BatchJobService {
	return &BatchJobService{
		jobs: jobs,
		bus:  bus,
	}
}

// CreateBatchJobInput is the payload for starting a new batch job
type CreateBatchJobInput struct {
	Type      string
	CreatedBy string
	Context   map[string]interface{}
	DryRun    bool
}

// Create constructs a batch job in the created status
func (s *BatchJobService) Create(ctx context.Context, input CreateBatchJobInput) (*model.BatchJob, error) {
	if input.Type == "" {
		return nil, model.NewError(model.KindInvalidData, "batch job type is required")
	}

	now := time.Now().UTC()
	job := &model.BatchJob{
		ID:        uuid.New().String(),
		Type:      input.Type,
		CreatedBy: input.CreatedBy,
		Status:    model.BatchJobStatusCreated,
		Context:   input.Context,
		DryRun:    input.DryRun,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.jobs.Insert(ctx, job); err != nil {
		return nil, err
	}

	observability.BatchJobTransitions.WithLabelValues(string(model.BatchJobStatusCreated)).Inc()

	if err := s.bus.Emit(ctx, EventBatchCreated, eventPayload(job.ID), nil); err != nil {
		return nil, err
	}

	return job, nil
}

// Retrieve loads a batch job by id
func (s *BatchJobService) Retrieve(ctx context.Context, id string) (*model.BatchJob, error) {
	job, err := s.jobs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, model.NewError(model.KindNotFound, "batch job with id %s was not found", id)
	}
	return job, nil
}

// List retrieves batch jobs matching the filter with pagination, along
// with the total match count.
func (s *BatchJobService) List(ctx context.Context, filter database.BatchJobFilter, page, limit int) ([]model.BatchJob, int64, error) {
	return s.jobs.FindAndCount(ctx, filter, page, limit)
}

// UpdateBatchJobInput carries a partial update. Context keys are
// merged into the existing context; Result and DryRun overwrite only
// when supplied and different from the stored value.
type UpdateBatchJobInput struct {
	Context map[string]interface{}
	Result  map[string]interface{}
	DryRun  *bool
}

// Update applies a partial-merge update outside the status machine.
// When nothing actually changes, the write and the batch.updated event
// are both skipped.
func (s *BatchJobService) Update(ctx context.Context, id string, input UpdateBatchJobInput) (*model.BatchJob, error) {
	job, err := s.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := false

	for key, value := range input.Context {
		current, exists := job.Context[key]
		if exists && reflect.DeepEqual(current, value) {
			continue
		}
		if job.Context == nil {
			job.Context = make(map[string]interface{})
		}
		job.Context[key] = value
		changed = true
	}

	if input.Result != nil && !reflect.DeepEqual(job.Result, input.Result) {
		job.Result = input.Result
		changed = true
	}

	if input.DryRun != nil && job.DryRun != *input.DryRun {
		job.DryRun = *input.DryRun
		changed = true
	}

	if !changed {
		return job, nil
	}

	job.UpdatedAt = time.Now().UTC()
	if err := s.jobs.Save(ctx, job); err != nil {
		return nil, err
	}

	if err := s.bus.Emit(ctx, EventBatchUpdated, eventPayload(job.ID), nil); err != nil {
		return nil, err
	}

	return job, nil
}

// SetPreProcessingDone marks pre-processing as finished. A job already
// pre-processed is returned unchanged; any other status than created is
// rejected. Unless the job is a dry run it auto-chains to confirmed
// within the same call.
func (s *BatchJobService) SetPreProcessingDone(ctx context.Context, id string) (*model.BatchJob, error) {
	job, err := s.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status == model.BatchJobStatusPreProcessed {
		return job, nil
	}

	if job.Status != model.BatchJobStatusCreated {
		return nil, model.NewError(model.KindNotAllowed,
			"cannot mark batch job as pre processed when its status is %q instead of %q",
			job.Status, model.BatchJobStatusCreated)
	}

	job, err = s.updateStatus(ctx, job, model.BatchJobStatusPreProcessed)
	if err != nil {
		return nil, err
	}

	if job.DryRun {
		return job, nil
	}

	return s.confirm(ctx, job)
}

// Confirm moves a pre-processed job to confirmed
func (s *BatchJobService) Confirm(ctx context.Context, id string) (*model.BatchJob, error) {
	job, err := s.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.confirm(ctx, job)
}

func (s *BatchJobService) confirm(ctx context.Context, job *model.BatchJob) (*model.BatchJob, error) {
	if job.Status != model.BatchJobStatusPreProcessed {
		return nil, model.NewError(model.KindNotAllowed,
			"cannot confirm processing for batch job with status %q instead of %q",
			job.Status, model.BatchJobStatusPreProcessed)
	}

	return s.updateStatus(ctx, job, model.BatchJobStatusConfirmed)
}

// SetProcessing moves a confirmed job to processing
func (s *BatchJobService) SetProcessing(ctx context.Context, id string) (*model.BatchJob, error) {
	job, err := s.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status != model.BatchJobStatusConfirmed {
		return nil, model.NewError(model.KindNotAllowed,
			"cannot mark batch job as processing when its status is %q instead of %q",
			job.Status, model.BatchJobStatusConfirmed)
	}

	return s.updateStatus(ctx, job, model.BatchJobStatusProcessing)
}

// Complete finishes a processing job. The caller's identity must match
// the job's creator regardless of current state; a mismatch fails with
// a not-allowed error and leaves the record unchanged.
func (s *BatchJobService) Complete(ctx context.Context, id, callerID string) (*model.BatchJob, error) {
	job, err := s.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.CreatedBy != callerID {
		return nil, model.NewError(model.KindNotAllowed,
			"cannot complete batch job created by another user")
	}

	if job.Status != model.BatchJobStatusProcessing {
		return nil, model.NewError(model.KindInvalidData,
			"cannot complete batch job with status %q, the batch job must be processing",
			job.Status)
	}

	return s.updateStatus(ctx, job, model.BatchJobStatusCompleted)
}

// Cancel aborts a job from any state except completed
func (s *BatchJobService) Cancel(ctx context.Context, id string) (*model.BatchJob, error) {
	job, err := s.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status == model.BatchJobStatusCompleted {
		return nil, model.NewError(model.KindNotAllowed, "cannot cancel completed batch job")
	}

	return s.updateStatus(ctx, job, model.BatchJobStatusCanceled)
}

// SetFailed marks a job as failed, reachable from any state
func (s *BatchJobService) SetFailed(ctx context.Context, id string) (*model.BatchJob, error) {
	job, err := s.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.updateStatus(ctx, job, model.BatchJobStatusFailed)
}

// updateStatus persists the transition and announces its event. The
// save is guarded on the status the caller read: when a concurrent
// transition won the race the guarded save fails with a conflict, so
// exactly one caller persists and emits each transition. A failed save
// leaves nothing emitted.
func (s *BatchJobService) updateStatus(ctx context.Context, job *model.BatchJob, status model.BatchJobStatus) (*model.BatchJob, error) {
	eventName, ok := statusEvents[status]
	if !ok {
		return nil, model.NewError(model.KindInvalidData,
			"unable to update the batch job status from %q to %q, the status doesn't exist",
			job.Status, status)
	}

	previous := job.Status
	job.MarkStatus(status, time.Now().UTC())

	if err := s.jobs.SaveTransition(ctx, job, previous); err != nil {
		return nil, err
	}

	observability.BatchJobTransitions.WithLabelValues(string(status)).Inc()

	if err := s.bus.Emit(ctx, eventName, eventPayload(job.ID), nil); err != nil {
		return nil, err
	}

	return job, nil
}

func eventPayload(id string) map[string]interface{} {
	return map[string]interface{}{"id": id}
}
