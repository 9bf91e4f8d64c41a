package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Clock provides the store's notion of now. Tests inject a fixed clock to
// exercise TTL expiry deterministically.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// ErrNotPending is returned when a terminal transition targets a record
// that is absent or already terminal. Records transition exactly once.
var ErrNotPending = errors.New("idempotency: record is not pending")

// CheckResult is the outcome of an atomic check-and-set. Exactly one of
// the concurrent callers presenting the same fresh key observes IsNew.
type CheckResult struct {
	// IsNew is true for the single caller that created the record and
	// owns the execution of this delivery.
	IsNew bool
	// Existing holds the prior record when IsNew is false.
	Existing *Record
	// Conflict flags a duplicate key whose payload hash differs from
	// the stored one: same trigger id, different content. The caller
	// should reject rather than replay.
	Conflict bool
}

// Store is the atomicity boundary of the system. CheckAndSet must behave
// as "create if absent, else return existing" in a single indivisible
// operation under concurrent callers.
type Store interface {
	CheckAndSet(ctx context.Context, key Key, payloadHash string) (CheckResult, error)
	Complete(ctx context.Context, key Key, result json.RawMessage) error
	Fail(ctx context.Context, key Key, reason string) error
}

// MemoryStore is an in-process Store for tests, local development, and
// single-node embedded deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	ttls    TTLs
	clock   Clock
}

// NewMemoryStore creates a store with the given TTLs. A nil clock uses
// wall time.
func NewMemoryStore(ttls TTLs, clock Clock) *MemoryStore {
	if clock == nil {
		clock = wallClock{}
	}
	return &MemoryStore{
		records: make(map[string]*Record),
		ttls:    ttls,
		clock:   clock,
	}
}

// CheckAndSet implements Store.
func (s *MemoryStore) CheckAndSet(_ context.Context, key Key, payloadHash string) (CheckResult, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.Generate()
	if rec, ok := s.records[k]; ok && !rec.Expired(s.ttls, now) {
		cp := *rec
		return CheckResult{
			Existing: &cp,
			Conflict: payloadHash != "" && rec.PayloadHash != "" && rec.PayloadHash != payloadHash,
		}, nil
	}

	rec := &Record{
		Key:         k,
		Status:      StatusPending,
		PayloadHash: payloadHash,
		CreatedAt:   now,
	}
	s.records[k] = rec
	return CheckResult{IsNew: true}, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key Key, result json.RawMessage) error {
	return s.finish(key, StatusCompleted, result, "")
}

// Fail implements Store.
func (s *MemoryStore) Fail(_ context.Context, key Key, reason string) error {
	return s.finish(key, StatusFailed, nil, reason)
}

func (s *MemoryStore) finish(key Key, status Status, result json.RawMessage, reason string) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.Generate()]
	if !ok || rec.Status != StatusPending {
		return ErrNotPending
	}
	rec.Status = status
	rec.CompletedAt = &now
	rec.Result = result
	rec.FailureReason = reason
	return nil
}

// Sweep removes expired records and returns how many were dropped. Callers
// run it on a ticker; the store never spawns its own goroutine.
func (s *MemoryStore) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for k, rec := range s.records {
		if rec.Expired(s.ttls, now) {
			delete(s.records, k)
			dropped++
		}
	}
	return dropped
}

// Size returns the number of live records, counting expired ones not yet
// swept.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
