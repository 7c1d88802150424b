package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffFixedDelay(t *testing.T) {
	backoff := Backoff{Type: BackoffFixed, DelayMs: 2000}

	assert.Equal(t, time.Duration(0), backoff.NextDelay(0))
	assert.Equal(t, 2*time.Second, backoff.NextDelay(1))
	assert.Equal(t, 2*time.Second, backoff.NextDelay(5))
}

func TestBackoffExponentialDelay(t *testing.T) {
	backoff := Backoff{Type: BackoffExponential, DelayMs: 1000}

	assert.Equal(t, 1*time.Second, backoff.NextDelay(1))
	assert.Equal(t, 2*time.Second, backoff.NextDelay(2))
	assert.Equal(t, 4*time.Second, backoff.NextDelay(3))
	assert.Equal(t, 8*time.Second, backoff.NextDelay(4))
}

func TestBackoffExponentialCapped(t *testing.T) {
	backoff := Backoff{Type: BackoffExponential, DelayMs: 60_000}

	assert.Equal(t, 5*time.Minute, backoff.NextDelay(10))
}

func TestEmitOptionsMaxAttempts(t *testing.T) {
	assert.Equal(t, 1, EmitOptions{}.MaxAttempts())
	assert.Equal(t, 1, EmitOptions{Attempts: -2}.MaxAttempts())
	assert.Equal(t, 4, EmitOptions{Attempts: 4}.MaxAttempts())
}

func TestEmitOptionsRetryDelayFallsBackToInitialDelay(t *testing.T) {
	opts := EmitOptions{DelayMs: 500}
	assert.Equal(t, 500*time.Millisecond, opts.RetryDelay(3))

	assert.Equal(t, time.Duration(0), EmitOptions{}.RetryDelay(3))
}

func TestMarkStatusSetsTimestampOnce(t *testing.T) {
	job := &BatchJob{ID: "b1", Status: BatchJobStatusCreated}

	first := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	job.MarkStatus(BatchJobStatusPreProcessed, first)
	assert.Equal(t, BatchJobStatusPreProcessed, job.Status)
	assert.Equal(t, first, *job.PreProcessedAt)

	// Re-entering a status must not move its timestamp
	later := first.Add(time.Hour)
	job.MarkStatus(BatchJobStatusPreProcessed, later)
	assert.Equal(t, first, *job.PreProcessedAt)
	assert.Equal(t, later, job.UpdatedAt)
}

func TestMarkStatusTimestampsPerStatus(t *testing.T) {
	job := &BatchJob{ID: "b1", Status: BatchJobStatusCreated}
	now := time.Now().UTC()

	job.MarkStatus(BatchJobStatusFailed, now)
	assert.NotNil(t, job.FailedAt)
	assert.Nil(t, job.CompletedAt)
	assert.True(t, job.IsTerminal())
}
