package idempotency

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an idempotency record. A record is
// created pending and transitions exactly once to a terminal status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// TTLs configures record lifetimes. Failed records expire sooner than
// completed ones so a legitimately failed attempt can retry before a
// succeeded delivery could be replayed. PendingStale bounds how long a
// pending record blocks retries when its owner crashed mid-flight.
type TTLs struct {
	Completed    time.Duration
	Failed       time.Duration
	PendingStale time.Duration
}

// DefaultTTLs are the production defaults.
var DefaultTTLs = TTLs{
	Completed:    24 * time.Hour,
	Failed:       1 * time.Hour,
	PendingStale: 5 * time.Minute,
}

// For returns the lifetime applicable to a record in the given status.
func (t TTLs) For(s Status) time.Duration {
	switch s {
	case StatusCompleted:
		return t.Completed
	case StatusFailed:
		return t.Failed
	default:
		return t.PendingStale
	}
}

// Record is the stored state for one idempotency key.
type Record struct {
	Key           string          `json:"key"`
	Status        Status          `json:"status"`
	PayloadHash   string          `json:"payload_hash,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// Expired reports whether the record has outlived its status-specific TTL
// at the given instant. A stale pending record is expired: its owner is
// presumed crashed and the key becomes eligible for retry.
func (r *Record) Expired(ttls TTLs, now time.Time) bool {
	ref := r.CreatedAt
	if r.CompletedAt != nil {
		ref = *r.CompletedAt
	}
	return now.Sub(ref) > ttls.For(r.Status)
}
