package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lfelipessoa/batchbus/internal/model"
	"github.com/lfelipessoa/batchbus/internal/observability"
)

// LockStore is the backing store for distributed lock state. Acquire
// must be atomic (check-unlocked-and-set in one step) and visible to
// every instance sharing the store.
type LockStore interface {
	Acquire(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, ownerID string) (bool, error)
	ReleaseOwned(ctx context.Context, ownerID string) (int64, error)
	Extend(ctx context.Context, key, ownerID string, ttl time.Duration) error
}

// LockService grants and releases named, owner-tagged mutual-exclusion
// leases with expiry. Owner ids are caller-supplied opaque tokens, not
// process identities, so the same logical owner can acquire and
// release across call sites or after a restart.
type LockService struct {
	store      LockStore
	defaultTTL time.Duration
}

// NewLockService creates a new lock service
func NewLockService(store LockStore, defaultTTL time.Duration) *LockService {
	return &LockService{
		store:      store,
		defaultTTL: defaultTTL,
	}
}

// Acquire takes the lock for key on behalf of ownerID for ttl (the
// service default when ttl <= 0). Contention with a different,
// unexpired owner fails with a conflict error; re-acquisition by the
// current owner refreshes the lease instead of erroring. No automatic
// retry is performed.
func (s *LockService) Acquire(ctx context.Context, key, ownerID string, ttl time.Duration) error {
	if key == "" {
		return model.NewError(model.KindInvalidArgument, "lock key must not be empty")
	}
	if ownerID == "" {
		return model.NewError(model.KindInvalidArgument, "lock owner id must not be empty")
	}

	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	acquired, err := s.store.Acquire(ctx, key, ownerID, ttl)
	if err != nil {
		observability.LockAcquisitions.WithLabelValues("error").Inc()
		return err
	}

	if !acquired {
		observability.LockAcquisitions.WithLabelValues("conflict").Inc()
		return model.NewError(model.KindConflict, "key %s is already locked", key)
	}

	observability.LockAcquisitions.WithLabelValues("acquired").Inc()
	return nil
}

// Release clears the lock for key only if ownerID holds it. A release
// by a non-holder is never an error, only a no-op returning false.
func (s *LockService) Release(ctx context.Context, key, ownerID string) (bool, error) {
	return s.store.Release(ctx, key, ownerID)
}

// ReleaseAll clears every lock held by ownerID, for cleanup when the
// owning process terminates.
func (s *LockService) ReleaseAll(ctx context.Context, ownerID string) error {
	_, err := s.store.ReleaseOwned(ctx, ownerID)
	return err
}

// Extend pushes out the lease for key while ownerID still holds it,
// for work outliving the original TTL. Extending a lease the owner
// lost fails with a conflict error.
func (s *LockService) Extend(ctx context.Context, key, ownerID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	return s.store.Extend(ctx, key, ownerID, ttl)
}

// Execute acquires the lock for key with a synthetic owner scoped to
// this call, runs job, releases on every exit path and propagates the
// job's result or error unchanged. A positive timeout bounds both the
// lease and the job's context. This is the primary pattern for "run
// this exactly once across the fleet".
func Execute[T any](ctx context.Context, locks *LockService, key string, timeout time.Duration, job func(context.Context) (T, error)) (T, error) {
	var zero T

	ownerID := uuid.New().String()

	ttl := timeout
	if ttl <= 0 {
		ttl = locks.defaultTTL
	}

	if err := locks.Acquire(ctx, key, ownerID, ttl); err != nil {
		return zero, err
	}

	jobCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Release must run even when the job's context has expired
	defer func() {
		if _, err := locks.Release(context.WithoutCancel(ctx), key, ownerID); err != nil {
			slog.Error("Failed to release lock after execution",
				"key", key,
				"owner_id", ownerID,
				"error", err,
			)
		}
	}()

	// Keep the lease alive while the job outruns its TTL
	interval := ttl / 2
	if interval <= 0 {
		interval = ttl
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		heartbeat := time.NewTicker(interval)
		defer heartbeat.Stop()
		for {
			select {
			case <-stop:
				return
			case <-heartbeat.C:
				if err := locks.Extend(context.WithoutCancel(ctx), key, ownerID, ttl); err != nil {
					slog.Warn("Failed to extend lock lease",
						"key", key,
						"owner_id", ownerID,
						"error", err,
					)
				}
			}
		}
	}()

	return job(jobCtx)
}
