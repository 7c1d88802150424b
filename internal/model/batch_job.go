package model

import (
	"time"
)

// BatchJobStatus is the lifecycle state of a batch job
type BatchJobStatus string

const (
	BatchJobStatusCreated      BatchJobStatus = "created"
	BatchJobStatusPreProcessed BatchJobStatus = "pre_processed"
	BatchJobStatusConfirmed    BatchJobStatus = "confirmed"
	BatchJobStatusProcessing   BatchJobStatus = "processing"
	BatchJobStatusCompleted    BatchJobStatus = "completed"
	BatchJobStatusCanceled     BatchJobStatus = "canceled"
	BatchJobStatusFailed       BatchJobStatus = "failed"
)

// BatchJob represents a long-running job record progressing through the
// batch lifecycle. Status is mutated only through the state machine in
// the batch job service; the per-status timestamps record when each
// status was first entered and are set exactly once.
type BatchJob struct {
	ID        string                 `json:"id" bson:"_id"`
	Type      string                 `json:"type" bson:"type"`
	CreatedBy string                 `json:"created_by" bson:"created_by"`
	Status    BatchJobStatus         `json:"status" bson:"status"`
	Context   map[string]interface{} `json:"context,omitempty" bson:"context,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty" bson:"result,omitempty"`
	DryRun    bool                   `json:"dry_run" bson:"dry_run"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`

	PreProcessedAt *time.Time `json:"pre_processed_at,omitempty" bson:"pre_processed_at,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty" bson:"confirmed_at,omitempty"`
	ProcessingAt   *time.Time `json:"processing_at,omitempty" bson:"processing_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	CanceledAt     *time.Time `json:"canceled_at,omitempty" bson:"canceled_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty" bson:"failed_at,omitempty"`
}

// statusTimestamp returns a pointer to the timestamp field recording
// when the given status was entered, or nil for the initial status.
func (b *BatchJob) statusTimestamp(status BatchJobStatus) **time.Time {
	switch status {
	case BatchJobStatusPreProcessed:
		return &b.PreProcessedAt
	case BatchJobStatusConfirmed:
		return &b.ConfirmedAt
	case BatchJobStatusProcessing:
		return &b.ProcessingAt
	case BatchJobStatusCompleted:
		return &b.CompletedAt
	case BatchJobStatusCanceled:
		return &b.CanceledAt
	case BatchJobStatusFailed:
		return &b.FailedAt
	}
	return nil
}

// MarkStatus moves the job to the given status and records the entry
// timestamp. The timestamp is written only the first time the job
// enters the status.
func (b *BatchJob) MarkStatus(status BatchJobStatus, at time.Time) {
	b.Status = status
	b.UpdatedAt = at

	field := b.statusTimestamp(status)
	if field != nil && *field == nil {
		t := at
		*field = &t
	}
}

// IsTerminal reports whether the job can no longer transition through
// the regular lifecycle. Failed is terminal but reachable from any
// non-terminal state.
func (b *BatchJob) IsTerminal() bool {
	switch b.Status {
	case BatchJobStatusCompleted, BatchJobStatusCanceled, BatchJobStatusFailed:
		return true
	}
	return false
}
