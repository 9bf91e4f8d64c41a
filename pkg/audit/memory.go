package audit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDuplicateEvent is returned when an event id is appended twice; the
// store is append-only and never overwrites.
var ErrDuplicateEvent = errors.New("audit: event id already recorded")

// MemoryStore is an in-process append-only event store with query support.
// It backs tests, local development, and embedded deployments; production
// deployments use the SQL-backed stores.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
	byID   map[string]*Event
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Event)}
}

// Append implements Sink.
func (s *MemoryStore) Append(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[ev.ID]; dup {
		return ErrDuplicateEvent
	}
	cp := *ev
	s.events = append(s.events, &cp)
	s.byID[cp.ID] = &cp
	return nil
}

// Get returns the event with the given id.
func (s *MemoryStore) Get(id string) (*Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	cp := *ev
	return &cp, true
}

// QueryFilter narrows a Query. Zero values impose no constraint.
type QueryFilter struct {
	TenantID   string
	RunID      string
	Tool       string
	Outcome    Outcome
	Since      *time.Time
	Until      *time.Time
	MaxResults int
}

func (f QueryFilter) matches(ev *Event) bool {
	if f.TenantID != "" && ev.TenantID != f.TenantID {
		return false
	}
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	if f.Tool != "" && ev.Tool != f.Tool {
		return false
	}
	if f.Outcome != "" && ev.Outcome != f.Outcome {
		return false
	}
	if f.Since != nil && ev.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && ev.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// Query returns events matching the filter in append order.
func (s *MemoryStore) Query(filter QueryFilter) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, 0)
	for _, ev := range s.events {
		if filter.matches(ev) {
			cp := *ev
			out = append(out, &cp)
			if filter.MaxResults > 0 && len(out) >= filter.MaxResults {
				break
			}
		}
	}
	return out
}

// QueryByRun returns a tenant's events for one run, in append order. It
// matches the query surface of the SQL-backed stores.
func (s *MemoryStore) QueryByRun(_ context.Context, tenantID, runID string) ([]*Event, error) {
	return s.Query(QueryFilter{TenantID: tenantID, RunID: runID}), nil
}

// Size returns the number of recorded events.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
