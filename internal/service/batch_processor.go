package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/lfelipessoa/batchbus/internal/model"
)

// ProcessorFunc executes the domain work for one batch job type and
// returns the job's result payload.
type ProcessorFunc func(ctx context.Context, job *model.BatchJob) (map[string]interface{}, error)

// BatchProcessor drives batch jobs through their lifecycle by reacting
// to the state machine's own events: a created job is pre-processed,
// a confirmed job is processed to completion. Processing runs under a
// distributed lock keyed by job id so concurrent instances never
// double-process.
type BatchProcessor struct {
	jobs  *BatchJobService
	bus   *EventBusService
	locks *LockService

	mu         sync.RWMutex
	processors map[string]ProcessorFunc

	processTimeout time.Duration
}

// NewBatchProcessor creates a new batch processor
func NewBatchProcessor(jobs *BatchJobService, bus *EventBusService, locks *LockService, processTimeout time.Duration) *BatchProcessor {
	return &BatchProcessor{
		jobs:           jobs,
		bus:            bus,
		locks:          locks,
		processors:     make(map[string]ProcessorFunc),
		processTimeout: processTimeout,
	}
}

// RegisterProcessor binds a processing strategy to a batch job type
func (p *BatchProcessor) RegisterProcessor(jobType string, fn ProcessorFunc) error {
	if fn == nil {
		return model.NewError(model.KindInvalidArgument, "processor must be a function")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.processors[jobType] = fn

	return nil
}

// Subscribe attaches the processor to the bus. Call once before the
// dispatcher starts delivering.
func (p *BatchProcessor) Subscribe() error {
	if _, err := p.bus.Subscribe(EventBatchCreated, p.onCreated); err != nil {
		return err
	}
	if _, err := p.bus.Subscribe(EventBatchConfirmed, p.onConfirmed); err != nil {
		return err
	}
	return nil
}

// onCreated advances a fresh job through pre-processing. Jobs without
// a registered processor are left alone for an external processor to
// pick up.
func (p *BatchProcessor) onCreated(ctx context.Context, eventName string, data interface{}) error {
	jobID, ok := payloadID(data)
	if !ok {
		return model.NewError(model.KindInvalidData, "event %s carries no job id", eventName)
	}

	job, err := p.jobs.Retrieve(ctx, jobID)
	if err != nil {
		return err
	}

	if !p.handles(job.Type) {
		return nil
	}

	_, err = p.jobs.SetPreProcessingDone(ctx, jobID)
	return err
}

// onConfirmed runs the job's processing strategy under a per-job lock
func (p *BatchProcessor) onConfirmed(ctx context.Context, eventName string, data interface{}) error {
	jobID, ok := payloadID(data)
	if !ok {
		return model.NewError(model.KindInvalidData, "event %s carries no job id", eventName)
	}

	job, err := p.jobs.Retrieve(ctx, jobID)
	if err != nil {
		return err
	}

	p.mu.RLock()
	processor := p.processors[job.Type]
	p.mu.RUnlock()

	if processor == nil {
		return nil
	}

	_, err = Execute(ctx, p.locks, "batch:"+jobID, p.processTimeout, func(ctx context.Context) (*model.BatchJob, error) {
		return p.process(ctx, jobID, processor)
	})
	if model.IsKind(err, model.KindConflict) {
		// Another instance holds the job
		slog.Debug("Batch job already being processed elsewhere", "batch_job_id", jobID)
		return nil
	}
	return err
}

// process is the locked section: mark processing, run the strategy,
// record the result and complete. A strategy failure marks the job
// failed and is swallowed so the envelope isn't redelivered for work
// that already reached a terminal state.
func (p *BatchProcessor) process(ctx context.Context, jobID string, processor ProcessorFunc) (*model.BatchJob, error) {
	job, err := p.jobs.SetProcessing(ctx, jobID)
	if err != nil {
		return nil, err
	}

	result, procErr := processor(ctx, job)
	if procErr != nil {
		slog.Error("Batch job processing failed",
			"batch_job_id", jobID,
			"type", job.Type,
			"error", procErr,
		)
		return p.jobs.SetFailed(ctx, jobID)
	}

	if result != nil {
		if _, err := p.jobs.Update(ctx, jobID, UpdateBatchJobInput{Result: result}); err != nil {
			return nil, err
		}
	}

	return p.jobs.Complete(ctx, jobID, job.CreatedBy)
}

func (p *BatchProcessor) handles(jobType string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.processors[jobType]
	return ok
}

// payloadID extracts the job id from an event payload. Payloads that
// round-tripped through the queue arrive as bson.M.
func payloadID(data interface{}) (string, bool) {
	var m map[string]interface{}
	switch v := data.(type) {
	case map[string]interface{}:
		m = v
	case bson.M:
		m = v
	default:
		return "", false
	}

	id, ok := m["id"].(string)
	return id, ok && id != ""
}
