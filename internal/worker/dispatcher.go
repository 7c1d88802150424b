package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lfelipessoa/batchbus/internal/model"
	"github.com/lfelipessoa/batchbus/internal/observability"
)

// QueueSource is the claim side of the durable event queue. The queue
// itself, not in-process locking, decides which instance processes a
// given envelope.
type QueueSource interface {
	ClaimNext(ctx context.Context, workerID string, claimTTL time.Duration) (*model.Event, error)
	Complete(ctx context.Context, eventID string) error
	Retry(ctx context.Context, eventID string, attempt int, delay time.Duration) error
}

// EventHandler delivers one claimed envelope to its subscribers
type EventHandler interface {
	Dispatch(ctx context.Context, event *model.Event) error
}

// Dispatcher is the background worker pool draining the event queue.
// Each worker claim-loops independently; several dispatcher instances
// may run against the same queue across processes.
type Dispatcher struct {
	queue        QueueSource
	handler      EventHandler
	instanceID   string
	workers      int
	pollInterval time.Duration
	claimTTL     time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(queue QueueSource, handler EventHandler, instanceID string, workers int, pollInterval, claimTTL time.Duration) *Dispatcher {
	return &Dispatcher{
		queue:        queue,
		handler:      handler,
		instanceID:   instanceID,
		workers:      workers,
		pollInterval: pollInterval,
		claimTTL:     claimTTL,
		stopChan:     make(chan struct{}),
	}
}

// Start starts the dispatcher workers
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("Starting event dispatcher",
		"instance_id", d.instanceID,
		"workers", d.workers,
		"poll_interval", d.pollInterval,
	)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Stop stops the dispatcher gracefully, waiting for in-flight
// deliveries to finish.
func (d *Dispatcher) Stop() {
	slog.Info("Stopping event dispatcher", "instance_id", d.instanceID)

	close(d.stopChan)
	d.wg.Wait()

	slog.Info("Event dispatcher stopped", "instance_id", d.instanceID)
}

// worker is one claim-dispatch loop
func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	slog.Debug("Dispatcher worker started", "worker_id", id)

	for {
		select {
		case <-d.stopChan:
			slog.Debug("Dispatcher worker stopped", "worker_id", id)
			return
		case <-ctx.Done():
			return
		default:
		}

		event, err := d.queue.ClaimNext(ctx, d.instanceID, d.claimTTL)
		if err != nil {
			slog.Error("Failed to claim event", "worker_id", id, "error", err)
			d.sleep()
			continue
		}

		if event == nil {
			d.sleep()
			continue
		}

		d.process(ctx, event)
	}
}

// process delivers one envelope and settles it against the queue:
// delete on success, reschedule with backoff while the attempt budget
// lasts, discard once exhausted.
func (d *Dispatcher) process(ctx context.Context, event *model.Event) {
	err := d.handler.Dispatch(ctx, event)
	if err == nil {
		if err := d.queue.Complete(ctx, event.ID); err != nil {
			slog.Error("Failed to settle delivered event",
				"event_id", event.ID,
				"event_name", event.Name,
				"error", err,
			)
		}
		observability.EventsDispatched.WithLabelValues(event.Name, "delivered").Inc()
		return
	}

	attempt := event.Attempt + 1
	if attempt >= event.Options.MaxAttempts() {
		slog.Warn("Event delivery exhausted, discarding",
			"event_id", event.ID,
			"event_name", event.Name,
			"attempts", attempt,
			"error", err,
		)
		if err := d.queue.Complete(ctx, event.ID); err != nil {
			slog.Error("Failed to discard exhausted event",
				"event_id", event.ID,
				"error", err,
			)
		}
		observability.EventsDispatched.WithLabelValues(event.Name, "exhausted").Inc()
		return
	}

	delay := event.Options.RetryDelay(attempt)

	slog.Info("Rescheduling event after failed delivery",
		"event_id", event.ID,
		"event_name", event.Name,
		"attempt", attempt,
		"delay", delay,
	)

	if err := d.queue.Retry(ctx, event.ID, attempt, delay); err != nil {
		slog.Error("Failed to reschedule event",
			"event_id", event.ID,
			"error", err,
		)
	}
	observability.EventsDispatched.WithLabelValues(event.Name, "retried").Inc()
}

func (d *Dispatcher) sleep() {
	select {
	case <-time.After(d.pollInterval):
	case <-d.stopChan:
	}
}
