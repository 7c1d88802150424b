package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfelipessoa/batchbus/internal/model"
)

func newTestBus() (*EventBusService, *memQueue, *memCache) {
	queue := &memQueue{}
	cache := newMemCache()
	return NewEventBusService(queue, cache), queue, cache
}

func noopSubscriber(context.Context, string, interface{}) error {
	return nil
}

func TestSubscribeRejectsNilHandler(t *testing.T) {
	bus, _, _ := newTestBus()

	_, err := bus.Subscribe("order.placed", nil)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInvalidArgument))
}

func TestSubscribeRejectsEmptyName(t *testing.T) {
	bus, _, _ := newTestBus()

	_, err := bus.Subscribe("", noopSubscriber)
	assert.True(t, model.IsKind(err, model.KindInvalidArgument))
}

func TestEmitEnqueues(t *testing.T) {
	bus, queue, _ := newTestBus()
	ctx := context.Background()

	require.NoError(t, bus.Emit(ctx, "order.placed", map[string]interface{}{"id": "o1"}, nil))

	events := queue.all()
	require.Len(t, events, 1)
	assert.Equal(t, "order.placed", events[0].Name)
	assert.Equal(t, 0, events[0].Attempt)
	assert.NotEmpty(t, events[0].ID)
}

func TestEmitWithDelayDefersVisibility(t *testing.T) {
	bus, queue, _ := newTestBus()
	ctx := context.Background()

	before := time.Now().UTC()
	require.NoError(t, bus.Emit(ctx, "order.placed", nil, &model.EmitOptions{DelayMs: 5000}))

	events := queue.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].VisibleAt.After(before.Add(4*time.Second)))
}

func TestEmitWithCacheKeyBuffersInsteadOfEnqueuing(t *testing.T) {
	bus, queue, cache := newTestBus()
	ctx := context.Background()

	require.NoError(t, bus.Emit(ctx, "x", map[string]interface{}{"n": 1}, &model.EmitOptions{CacheKey: "tx1"}))
	require.NoError(t, bus.Emit(ctx, "y", map[string]interface{}{"n": 2}, &model.EmitOptions{CacheKey: "tx1"}))

	assert.Equal(t, 0, queue.depth())

	cached, err := cache.List(ctx, "tx1")
	require.NoError(t, err)
	require.Len(t, cached, 2)
	assert.Equal(t, "x", cached[0].Name)
	assert.Equal(t, "y", cached[1].Name)
}

func TestProcessCachedEventsPreservesOrder(t *testing.T) {
	bus, queue, _ := newTestBus()
	ctx := context.Background()

	require.NoError(t, bus.Emit(ctx, "x", nil, &model.EmitOptions{CacheKey: "tx1"}))
	require.NoError(t, bus.Emit(ctx, "y", nil, &model.EmitOptions{CacheKey: "tx1", Attempts: 5}))
	require.NoError(t, bus.Emit(ctx, "z", nil, &model.EmitOptions{CacheKey: "tx1"}))

	defaults := &model.EmitOptions{Attempts: 3}
	require.NoError(t, bus.ProcessCachedEvents(ctx, "tx1", defaults))

	events := queue.all()
	require.Len(t, events, 3)
	assert.Equal(t, []string{"x", "y", "z"}, []string{events[0].Name, events[1].Name, events[2].Name})

	// Own options win, defaults fill the gaps
	assert.Equal(t, 3, events[0].Options.Attempts)
	assert.Equal(t, 5, events[1].Options.Attempts)
	assert.Equal(t, 3, events[2].Options.Attempts)
}

func TestProcessCachedEventsUnknownKeyIsNoop(t *testing.T) {
	bus, queue, _ := newTestBus()

	require.NoError(t, bus.ProcessCachedEvents(context.Background(), "missing", nil))
	assert.Equal(t, 0, queue.depth())
}

func TestDestroyCachedEventsDiscardsWithoutDispatch(t *testing.T) {
	bus, queue, _ := newTestBus()
	ctx := context.Background()

	require.NoError(t, bus.Emit(ctx, "x", map[string]interface{}{"n": 1}, &model.EmitOptions{CacheKey: "tx1"}))
	require.NoError(t, bus.Emit(ctx, "y", map[string]interface{}{"n": 2}, &model.EmitOptions{CacheKey: "tx1"}))

	require.NoError(t, bus.DestroyCachedEvents(ctx, "tx1"))
	require.NoError(t, bus.ProcessCachedEvents(ctx, "tx1", nil))

	assert.Equal(t, 0, queue.depth())
}

func TestDispatchInvokesNamedAndWildcardSubscribers(t *testing.T) {
	bus, _, _ := newTestBus()
	ctx := context.Background()

	var mu sync.Mutex
	var calls []string

	record := func(tag string) Subscriber {
		return func(ctx context.Context, eventName string, data interface{}) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, tag)
			return nil
		}
	}

	_, err := bus.Subscribe("order.placed", record("named"))
	require.NoError(t, err)
	_, err = bus.Subscribe("*", record("wildcard"))
	require.NoError(t, err)
	_, err = bus.Subscribe("other.event", record("other"))
	require.NoError(t, err)

	event := &model.Event{ID: "e1", Name: "order.placed"}
	require.NoError(t, bus.Dispatch(ctx, event))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"named", "wildcard"}, calls)
}

func TestDispatchIsolatesSubscriberFailures(t *testing.T) {
	bus, _, _ := newTestBus()
	ctx := context.Background()

	var mu sync.Mutex
	var succeeded bool

	_, err := bus.Subscribe("x", func(ctx context.Context, eventName string, data interface{}) error {
		return errors.New("handler exploded")
	})
	require.NoError(t, err)

	_, err = bus.Subscribe("x", func(ctx context.Context, eventName string, data interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		succeeded = true
		return nil
	})
	require.NoError(t, err)

	err = bus.Dispatch(ctx, &model.Event{ID: "e1", Name: "x"})
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, succeeded, "sibling handler must still run")
}

func TestDispatchRecoversSubscriberPanic(t *testing.T) {
	bus, _, _ := newTestBus()

	_, err := bus.Subscribe("x", func(ctx context.Context, eventName string, data interface{}) error {
		panic("kaboom")
	})
	require.NoError(t, err)

	err = bus.Dispatch(context.Background(), &model.Event{ID: "e1", Name: "x"})
	require.Error(t, err)
}

func TestDispatchNoSubscribers(t *testing.T) {
	bus, _, _ := newTestBus()

	require.NoError(t, bus.Dispatch(context.Background(), &model.Event{ID: "e1", Name: "nobody.cares"}))
}

func TestUnsubscribeRemovesExactlyOne(t *testing.T) {
	bus, _, _ := newTestBus()
	ctx := context.Background()

	var mu sync.Mutex
	var calls []string

	record := func(tag string) Subscriber {
		return func(ctx context.Context, eventName string, data interface{}) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, tag)
			return nil
		}
	}

	first, err := bus.Subscribe("x", record("first"))
	require.NoError(t, err)
	_, err = bus.Subscribe("x", record("second"))
	require.NoError(t, err)

	bus.Unsubscribe("x", first)
	// Unknown ids are a no-op
	bus.Unsubscribe("x", "does-not-exist")

	require.NoError(t, bus.Dispatch(ctx, &model.Event{ID: "e1", Name: "x"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second"}, calls)
}

func TestSubscriptionFilterSkipsNonMatchingPayloads(t *testing.T) {
	bus, _, _ := newTestBus()
	ctx := context.Background()

	var mu sync.Mutex
	var calls int

	_, err := bus.SubscribeWithFilter("x", "$.order.id", func(ctx context.Context, eventName string, data interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	})
	require.NoError(t, err)

	matching := &model.Event{ID: "e1", Name: "x", Data: map[string]interface{}{
		"order": map[string]interface{}{"id": "o1"},
	}}
	nonMatching := &model.Event{ID: "e2", Name: "x", Data: map[string]interface{}{
		"customer": map[string]interface{}{"id": "c1"},
	}}

	require.NoError(t, bus.Dispatch(ctx, matching))
	require.NoError(t, bus.Dispatch(ctx, nonMatching))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestDispatchFailureCountsOnlyInvokedSubscribers(t *testing.T) {
	bus, _, _ := newTestBus()
	ctx := context.Background()

	var filteredRan bool
	_, err := bus.SubscribeWithFilter("x", "$.order.id", func(ctx context.Context, eventName string, data interface{}) error {
		filteredRan = true
		return nil
	})
	require.NoError(t, err)

	_, err = bus.Subscribe("x", func(ctx context.Context, eventName string, data interface{}) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	event := &model.Event{ID: "e1", Name: "x", Data: map[string]interface{}{
		"customer": map[string]interface{}{"id": "c1"},
	}}

	err = bus.Dispatch(ctx, event)
	require.Error(t, err)
	assert.False(t, filteredRan)
	assert.EqualError(t, err, "1 of 1 subscribers failed for event x")
}
