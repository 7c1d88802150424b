package model

import (
	"time"
)

// Lock represents a distributed mutual-exclusion lease over a named
// key. At most one unexpired (key, owner) pair exists at any instant;
// the unique index on key plus compare-and-set acquisition at the
// store layer enforce this across instances.
type Lock struct {
	Key       string    `json:"key" bson:"key"`
	LockedBy  string    `json:"locked_by" bson:"locked_by"`   // caller-supplied owner token
	LockedAt  time.Time `json:"locked_at" bson:"locked_at"`   // lease acquisition timestamp
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"` // lease expiration (TTL)
}

// Expired reports whether the lease may be reacquired by anyone.
func (l *Lock) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}
