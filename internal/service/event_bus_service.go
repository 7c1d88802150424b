package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oliveagle/jsonpath"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/lfelipessoa/batchbus/internal/model"
	"github.com/lfelipessoa/batchbus/internal/observability"
)

// Subscriber is a callback invoked for each delivered event. Delivery
// is at-least-once and subscriber code must be idempotent.
type Subscriber func(ctx context.Context, eventName string, data interface{}) error

// EventQueue is the durable work queue the bus enqueues into
type EventQueue interface {
	Enqueue(ctx context.Context, event *model.Event) error
}

// EventCache holds cached-event batches keyed by caller-chosen keys
type EventCache interface {
	Append(ctx context.Context, key string, event model.CachedEvent) error
	List(ctx context.Context, key string) ([]model.CachedEvent, error)
	Invalidate(ctx context.Context, key string) error
}

type subscription struct {
	id     string
	filter string // optional JSONPath over the payload
	fn     Subscriber
}

// EventBusService keeps track of subscribers to named events and runs
// them when events happen. Publishing is fire-and-forget once the
// envelope is enqueued; delivery happens asynchronously through the
// dispatcher draining the queue.
type EventBusService struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription

	queue EventQueue
	cache EventCache
}

// NewEventBusService creates a new event bus service
func NewEventBusService(queue EventQueue, cache EventCache) *EventBusService {
	return &EventBusService{
		subscribers: make(map[string][]subscription),
		queue:       queue,
		cache:       cache,
	}
}

// Subscribe registers fn under eventName and returns the subscription
// id used to unsubscribe. Subscribing to the wildcard topic "*"
// registers fn for every event.
func (s *EventBusService) Subscribe(eventName string, fn Subscriber) (string, error) {
	return s.SubscribeWithFilter(eventName, "", fn)
}

// SubscribeWithFilter registers fn under eventName with an optional
// JSONPath payload filter: the handler is only invoked for envelopes
// whose payload resolves the expression.
func (s *EventBusService) SubscribeWithFilter(eventName, filter string, fn Subscriber) (string, error) {
	if fn == nil {
		return "", model.NewError(model.KindInvalidArgument, "subscriber must be a function")
	}
	if eventName == "" {
		return "", model.NewError(model.KindInvalidArgument, "event name must not be empty")
	}

	sub := subscription{
		id:     uuid.New().String(),
		filter: filter,
		fn:     fn,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[eventName] = append(s.subscribers[eventName], sub)

	return sub.id, nil
}

// Unsubscribe removes exactly the registration identified by
// subscriptionID under eventName; unknown ids are a no-op.
func (s *EventBusService) Unsubscribe(eventName, subscriptionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[eventName]
	for i, sub := range subs {
		if sub.id == subscriptionID {
			s.subscribers[eventName] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Emit accepts an event for asynchronous delivery. With a cache key in
// the options the envelope is buffered under that key instead of being
// enqueued, so a unit of work spanning a database transaction can
// accumulate events and release them only after commit.
func (s *EventBusService) Emit(ctx context.Context, eventName string, data interface{}, opts *model.EmitOptions) error {
	if eventName == "" {
		return model.NewError(model.KindInvalidArgument, "event name must not be empty")
	}

	options := model.EmitOptions{}
	if opts != nil {
		options = *opts
	}

	if options.CacheKey != "" {
		cached := model.CachedEvent{
			Name:    eventName,
			Data:    data,
			Options: model.EmitOptions{DelayMs: options.DelayMs, Attempts: options.Attempts, Backoff: options.Backoff},
		}
		if err := s.cache.Append(ctx, options.CacheKey, cached); err != nil {
			return fmt.Errorf("failed to cache event %s: %w", eventName, err)
		}
		observability.EventsEmitted.WithLabelValues(eventName, "cache").Inc()
		return nil
	}

	if err := s.enqueue(ctx, eventName, data, options); err != nil {
		return err
	}

	observability.EventsEmitted.WithLabelValues(eventName, "queue").Inc()
	return nil
}

// ProcessCachedEvents enqueues every envelope buffered under cacheKey
// for real dispatch, in original append order, each with its own
// options falling back to defaults. Call exactly once per logical
// commit: a second call re-enqueues duplicates.
func (s *EventBusService) ProcessCachedEvents(ctx context.Context, cacheKey string, defaults *model.EmitOptions) error {
	events, err := s.cache.List(ctx, cacheKey)
	if err != nil {
		return fmt.Errorf("failed to read cached events for %s: %w", cacheKey, err)
	}

	if len(events) == 0 {
		return nil
	}

	for _, cached := range events {
		options := cached.Options
		if isZeroOptions(options) && defaults != nil {
			options = *defaults
		}

		if err := s.enqueue(ctx, cached.Name, cached.Data, options); err != nil {
			return err
		}
	}

	slog.Debug("Flushed cached events",
		"cache_key", cacheKey,
		"count", len(events),
	)

	return nil
}

// DestroyCachedEvents discards the buffered list for cacheKey without
// dispatching, used on rollback.
func (s *EventBusService) DestroyCachedEvents(ctx context.Context, cacheKey string) error {
	return s.cache.Invalidate(ctx, cacheKey)
}

func (s *EventBusService) enqueue(ctx context.Context, eventName string, data interface{}, options model.EmitOptions) error {
	now := time.Now().UTC()

	event := &model.Event{
		ID:         uuid.New().String(),
		Name:       eventName,
		Data:       data,
		Options:    model.EmitOptions{DelayMs: options.DelayMs, Attempts: options.Attempts, Backoff: options.Backoff},
		Attempt:    0,
		EnqueuedAt: now,
		VisibleAt:  now.Add(time.Duration(options.DelayMs) * time.Millisecond),
	}

	if err := s.queue.Enqueue(ctx, event); err != nil {
		return fmt.Errorf("failed to enqueue event %s: %w", eventName, err)
	}

	return nil
}

// Dispatch delivers one envelope to every handler registered for its
// name plus the wildcard handlers, all concurrently. Each handler's
// failure is logged and isolated from its siblings; an aggregate error
// is returned only so the queue layer can decide on redelivery.
func (s *EventBusService) Dispatch(ctx context.Context, event *model.Event) error {
	s.mu.RLock()
	named := s.subscribers[event.Name]
	wildcard := s.subscribers[model.WildcardTopic]
	subs := make([]subscription, 0, len(named)+len(wildcard))
	subs = append(subs, named...)
	subs = append(subs, wildcard...)
	s.mu.RUnlock()

	slog.Info("Processing event",
		"event_name", event.Name,
		"event_id", event.ID,
		"subscribers", len(subs),
		"attempt", event.Attempt,
	)

	if len(subs) == 0 {
		return nil
	}

	payload := normalizePayload(event.Data)

	var wg sync.WaitGroup
	failures := make(chan error, len(subs))

	var invoked int
	for _, sub := range subs {
		if !matchesFilter(sub.filter, payload) {
			continue
		}

		invoked++
		wg.Add(1)
		go func(sub subscription) {
			defer wg.Done()

			start := time.Now()
			err := invokeSubscriber(ctx, sub, event.Name, payload)
			observability.HandlerDuration.WithLabelValues(event.Name).Observe(time.Since(start).Seconds())

			if err != nil {
				slog.Warn("An error occurred while processing event",
					"event_name", event.Name,
					"event_id", event.ID,
					"subscription_id", sub.id,
					"error", err,
				)
				failures <- err
			}
		}(sub)
	}

	wg.Wait()
	close(failures)

	var failed int
	for range failures {
		failed++
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d subscribers failed for event %s", failed, invoked, event.Name)
	}

	return nil
}

// invokeSubscriber runs one handler, converting a panic into an error
// so a misbehaving subscriber cannot take down the dispatch loop.
func invokeSubscriber(ctx context.Context, sub subscription, eventName string, payload interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()

	return sub.fn(ctx, eventName, payload)
}

// normalizePayload converts bson documents and arrays back into plain
// maps and slices so filters and handlers see ordinary Go values
// whether or not the envelope round-tripped through the store.
func normalizePayload(data interface{}) interface{} {
	switch v := data.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			out[key] = normalizePayload(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			out[key] = normalizePayload(val)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = normalizePayload(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = normalizePayload(val)
		}
		return out
	default:
		return v
	}
}

// matchesFilter reports whether the payload resolves the subscription's
// JSONPath expression. Subscriptions without a filter match everything.
func matchesFilter(filter string, data interface{}) bool {
	if filter == "" {
		return true
	}

	res, err := jsonpath.JsonPathLookup(data, filter)
	return err == nil && res != nil
}

func isZeroOptions(o model.EmitOptions) bool {
	return o.DelayMs == 0 && o.Attempts == 0 && o.Backoff == nil
}
