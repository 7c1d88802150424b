package model

import (
	"math"
	"time"
)

// BackoffType selects the spacing strategy between redeliveries
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// maxBackoffMs caps exponential growth so a long-failing envelope is
// retried at a bounded interval rather than drifting into hours.
const maxBackoffMs = 300_000

// Backoff describes how redelivery attempts are spaced
type Backoff struct {
	Type    BackoffType `json:"type" bson:"type"`
	DelayMs int64       `json:"delay_ms" bson:"delay_ms"`
}

// NextDelay calculates the delay before the given attempt.
// Exponential spacing follows delay * 2^(attempt-1), capped.
func (b Backoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delayMs := float64(b.DelayMs)
	if b.Type == BackoffExponential {
		delayMs = float64(b.DelayMs) * math.Pow(2, float64(attempt-1))
	}

	if delayMs > maxBackoffMs {
		delayMs = maxBackoffMs
	}

	return time.Duration(delayMs) * time.Millisecond
}

// EmitOptions are the delivery options accepted by the event bus.
// A non-empty CacheKey diverts the envelope into the cached-event list
// for that key instead of the queue; CacheKey itself is never persisted
// on the envelope.
type EmitOptions struct {
	DelayMs  int64    `json:"delay_ms,omitempty" bson:"delay_ms,omitempty"`
	Attempts int      `json:"attempts,omitempty" bson:"attempts,omitempty"`
	Backoff  *Backoff `json:"backoff,omitempty" bson:"backoff,omitempty"`
	CacheKey string   `json:"-" bson:"-"`
}

// MaxAttempts returns the effective delivery budget. Envelopes without
// an explicit positive attempts option are delivered once.
func (o EmitOptions) MaxAttempts() int {
	if o.Attempts > 0 {
		return o.Attempts
	}
	return 1
}

// RetryDelay returns the spacing before the given attempt, honoring
// the configured backoff and defaulting to fixed spacing of the
// initial delay when no backoff was supplied.
func (o EmitOptions) RetryDelay(attempt int) time.Duration {
	if o.Backoff != nil {
		return o.Backoff.NextDelay(attempt)
	}
	if o.DelayMs > 0 {
		return time.Duration(o.DelayMs) * time.Millisecond
	}
	return 0
}

// Event is one unit of queued event data: topic name, payload and
// delivery options, plus the queue bookkeeping fields used for atomic
// claiming across dispatcher instances.
type Event struct {
	ID      string      `json:"id" bson:"_id"`
	Name    string      `json:"event_name" bson:"event_name"`
	Data    interface{} `json:"data" bson:"data"`
	Options EmitOptions `json:"options" bson:"options"`

	Attempt    int        `json:"attempt" bson:"attempt"`
	EnqueuedAt time.Time  `json:"enqueued_at" bson:"enqueued_at"`
	VisibleAt  time.Time  `json:"visible_at" bson:"visible_at"`
	ClaimedBy  string     `json:"claimed_by,omitempty" bson:"claimed_by,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty" bson:"claimed_at,omitempty"`
}

// CachedEvent is an envelope buffered under a caller-chosen cache key,
// held back until the surrounding unit of work commits.
type CachedEvent struct {
	Name    string      `json:"event_name" bson:"event_name"`
	Data    interface{} `json:"data" bson:"data"`
	Options EmitOptions `json:"options" bson:"options"`
}

// WildcardTopic matches every event for subscription purposes
const WildcardTopic = "*"
