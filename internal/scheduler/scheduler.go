package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/lfelipessoa/batchbus/internal/config"
	"github.com/lfelipessoa/batchbus/internal/model"
	"github.com/lfelipessoa/batchbus/internal/observability"
	"github.com/lfelipessoa/batchbus/internal/service"
)

// EventPublisher is the emission surface recurring events fire through
type EventPublisher interface {
	Emit(ctx context.Context, eventName string, data interface{}, opts *model.EmitOptions) error
}

// LockJanitor clears lapsed lock leases
type LockJanitor interface {
	CleanExpired(ctx context.Context) (int64, error)
}

// QueueJanitor reopens stale queue claims and reports queue depth
type QueueJanitor interface {
	ReleaseStaleClaims(ctx context.Context, claimTTL time.Duration) (int64, error)
	Depth(ctx context.Context) (int64, error)
}

// Scheduler drives time-based work: recurring events registered
// against cron expressions, plus periodic maintenance over the lock
// and queue collections. Recurring emissions take a short distributed
// lock so exactly one instance in the fleet fires each tick.
type Scheduler struct {
	cfg        *config.Config
	bus        EventPublisher
	locks      *service.LockService
	lockRepo   LockJanitor
	queueRepo  QueueJanitor
	instanceID string

	cron     *cron.Cron
	ticker   *time.Ticker
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a new scheduler instance
func NewScheduler(
	cfg *config.Config,
	bus EventPublisher,
	locks *service.LockService,
	lockRepo LockJanitor,
	queueRepo QueueJanitor,
) *Scheduler {
	// Instance identifier (hostname in Kubernetes)
	instanceID, err := os.Hostname()
	if err != nil {
		instanceID = uuid.New().String()
		slog.Warn("Failed to get hostname, using UUID as instance ID", "instance_id", instanceID)
	}

	return &Scheduler{
		cfg:        cfg,
		bus:        bus,
		locks:      locks,
		lockRepo:   lockRepo,
		queueRepo:  queueRepo,
		instanceID: instanceID,
		cron:       cron.New(),
		stopChan:   make(chan struct{}),
	}
}

// InstanceID returns the scheduler's owner token for locks
func (s *Scheduler) InstanceID() string {
	return s.instanceID
}

// RegisterRecurring registers a recurring event: on every tick of the
// cron expression the named event is emitted through the bus, guarded
// by a distributed lock so concurrent instances don't double-fire.
func (s *Scheduler) RegisterRecurring(name, cronExpr string, data interface{}, opts *model.EmitOptions) error {
	_, err := s.cron.AddFunc(cronExpr, func() {
		s.fire(name, data, opts)
	})
	if err != nil {
		return model.NewError(model.KindInvalidData, "invalid cron expression %q for event %s: %v", cronExpr, name, err)
	}

	slog.Info("Registered recurring event",
		"event_name", name,
		"cron", cronExpr,
	)

	return nil
}

// fire emits one tick of a recurring event under its distributed lock
func (s *Scheduler) fire(name string, data interface{}, opts *model.EmitOptions) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lockKey := "cron:" + name
	if err := s.locks.Acquire(ctx, lockKey, s.instanceID, s.cfg.SchedulerLockTTL); err != nil {
		if model.IsKind(err, model.KindConflict) {
			slog.Debug("Recurring event already fired by another instance",
				"event_name", name,
				"instance_id", s.instanceID,
			)
			return
		}
		slog.Error("Failed to acquire recurring event lock",
			"event_name", name,
			"error", err,
		)
		return
	}

	if err := s.bus.Emit(ctx, name, data, opts); err != nil {
		slog.Error("Failed to emit recurring event",
			"event_name", name,
			"error", err,
		)
	}
	// The lock is left to expire: it spans the whole tick window
	// so a second instance reaching the same tick stays silent.
}

// Start begins the cron entries and the maintenance loop
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.SchedulerEnabled {
		slog.Info("Scheduler is disabled by configuration")
		return
	}

	slog.Info("Starting scheduler",
		"instance_id", s.instanceID,
		"tick_interval", s.cfg.SchedulerTickInterval,
		"lock_ttl", s.cfg.SchedulerLockTTL,
	)

	s.cron.Start()

	s.ticker = time.NewTicker(s.cfg.SchedulerTickInterval)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop gracefully stops the scheduler and releases every lock owned by
// this instance.
func (s *Scheduler) Stop(ctx context.Context) {
	if !s.cfg.SchedulerEnabled {
		return
	}

	slog.Info("Stopping scheduler", "instance_id", s.instanceID)

	close(s.stopChan)
	if s.ticker != nil {
		s.ticker.Stop()
	}

	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		slog.Warn("Timeout waiting for cron entries to complete")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timeout waiting for maintenance to complete")
	}

	if err := s.locks.ReleaseAll(context.Background(), s.instanceID); err != nil {
		slog.Error("Failed to release locks during shutdown", "error", err)
	}

	slog.Info("Scheduler stopped", "instance_id", s.instanceID)
}

// run is the maintenance loop
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.tick(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.tick(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick performs one maintenance pass: drop lapsed lock leases, reopen
// queue claims left behind by crashed dispatchers, and refresh the
// queue depth gauge.
func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.lockRepo.CleanExpired(ctx); err != nil {
		slog.Error("Failed to clean expired locks", "error", err)
	}

	if _, err := s.queueRepo.ReleaseStaleClaims(ctx, s.cfg.DispatcherClaimTTL); err != nil {
		slog.Error("Failed to release stale queue claims", "error", err)
	}

	depth, err := s.queueRepo.Depth(ctx)
	if err != nil {
		slog.Error("Failed to measure queue depth", "error", err)
		return
	}
	observability.QueueDepth.Set(float64(depth))
}
