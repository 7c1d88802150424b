package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lfelipessoa/batchbus/internal/database"
	"github.com/lfelipessoa/batchbus/internal/model"
)

// memJobStore is an in-memory BatchJobStore
type memJobStore struct {
	mu       sync.Mutex
	jobs     map[string]model.BatchJob
	failSave bool

	// staleRead, when set, is returned by the next FindByID for its id,
	// standing in for a second instance reading before another's write.
	staleRead *model.BatchJob
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]model.BatchJob)}
}

func (s *memJobStore) Insert(_ context.Context, job *model.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *memJobStore) FindByID(_ context.Context, id string) (*model.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleRead != nil && s.staleRead.ID == id {
		copied := *s.staleRead
		s.staleRead = nil
		return &copied, nil
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	copied := job
	return &copied, nil
}

func (s *memJobStore) Save(_ context.Context, job *model.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return fmt.Errorf("save failed")
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *memJobStore) SaveTransition(_ context.Context, job *model.BatchJob, expected model.BatchJobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return fmt.Errorf("save failed")
	}
	current, ok := s.jobs[job.ID]
	if !ok || current.Status != expected {
		return model.NewError(model.KindConflict,
			"batch job %s changed status concurrently, expected %q", job.ID, expected)
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *memJobStore) FindAndCount(_ context.Context, filter database.BatchJobFilter, page, limit int) ([]model.BatchJob, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []model.BatchJob
	for _, job := range s.jobs {
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.CreatedBy != "" && job.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		matched = append(matched, job)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	start := (page - 1) * limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	return matched[start:end], total, nil
}

// stored returns the raw stored record, for asserting a failed
// operation left it untouched.
func (s *memJobStore) stored(id string) model.BatchJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// recordingBus is an EventPublisher capturing emission order
type recordingBus struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBus) Emit(_ context.Context, eventName string, _ interface{}, _ *model.EmitOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventName)
	return nil
}

func (b *recordingBus) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

// memQueue is an in-memory EventQueue
type memQueue struct {
	mu     sync.Mutex
	events []model.Event
}

func (q *memQueue) Enqueue(_ context.Context, event *model.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, *event)
	return nil
}

func (q *memQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *memQueue) pop() *model.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	event := q.events[0]
	q.events = q.events[1:]
	return &event
}

func (q *memQueue) all() []model.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.Event(nil), q.events...)
}

// memCache is an in-memory EventCache
type memCache struct {
	mu    sync.Mutex
	lists map[string][]model.CachedEvent
}

func newMemCache() *memCache {
	return &memCache{lists: make(map[string][]model.CachedEvent)}
}

func (c *memCache) Append(_ context.Context, key string, event model.CachedEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[key] = append(c.lists[key], event)
	return nil
}

func (c *memCache) List(_ context.Context, key string) ([]model.CachedEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.CachedEvent(nil), c.lists[key]...), nil
}

func (c *memCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lists, key)
	return nil
}

// memLockStore is an in-memory LockStore with the same compare-and-set
// semantics as the Mongo repository.
type memLockStore struct {
	mu    sync.Mutex
	locks map[string]model.Lock
}

func newMemLockStore() *memLockStore {
	return &memLockStore{locks: make(map[string]model.Lock)}
}

func (s *memLockStore) Acquire(_ context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	current, exists := s.locks[key]
	if exists && !current.Expired(now) && current.LockedBy != ownerID {
		return false, nil
	}

	s.locks[key] = model.Lock{
		Key:       key,
		LockedBy:  ownerID,
		LockedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	return true, nil
}

func (s *memLockStore) Release(_ context.Context, key, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.locks[key]
	if !exists || current.LockedBy != ownerID {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

func (s *memLockStore) ReleaseOwned(_ context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for key, lock := range s.locks {
		if lock.LockedBy == ownerID {
			delete(s.locks, key)
			count++
		}
	}
	return count, nil
}

func (s *memLockStore) Extend(_ context.Context, key, ownerID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.locks[key]
	if !exists || current.LockedBy != ownerID {
		return model.NewError(model.KindConflict, "lock %s is not held by %s", key, ownerID)
	}
	current.ExpiresAt = time.Now().UTC().Add(ttl)
	s.locks[key] = current
	return nil
}

func (s *memLockStore) expiresAt(key string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks[key].ExpiresAt
}

func (s *memLockStore) holder(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks[key].LockedBy
}
