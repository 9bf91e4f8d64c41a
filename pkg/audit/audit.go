// Package audit records every execution attempt, success or failure, as an
// append-only event. Events are never mutated or deleted once written.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Outcome is the terminal result of one invocation attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one append-only record of an authorization/execution attempt.
// The shape is consumed by external audit viewers and must stay stable.
type Event struct {
	ID             string        `json:"id"`
	RunID          string        `json:"run_id"`
	TenantID       string        `json:"tenant_id"`
	ActorID        string        `json:"actor_id"`
	Tool           string        `json:"tool"`
	PolicyClass    string        `json:"policy_class"`
	DecisionReason string        `json:"decision_reason"`
	Outcome        Outcome       `json:"outcome"`
	ErrorCode      string        `json:"error_code,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	Duration       time.Duration `json:"duration_ns"`
	OutputSummary  string        `json:"output_summary,omitempty"`
	RequestID      string        `json:"request_id,omitempty"`
}

// Sink accepts events for durable recording. Implementations must treat
// events as immutable after Append returns.
type Sink interface {
	Append(ctx context.Context, ev *Event) error
}

// WriterSink writes events as JSON lines to an injectable writer. The
// default writer is os.Stdout; tests and custom sinks inject their own.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w, or os.Stdout when w is nil.
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{w: w}
}

// Append implements Sink. Lines are prefixed for easy filtering.
func (s *WriterSink) Append(_ context.Context, ev *Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append([]byte("AUDIT: "), append(b, '\n')...))
	return err
}

// maxSummaryLen bounds the redacted output summary stored with success
// events.
const maxSummaryLen = 256

// Summarize renders a redacted, bounded summary of a tool's output for the
// audit record. Full outputs belong to the caller, not the audit trail.
func Summarize(output any) string {
	if output == nil {
		return ""
	}
	b, err := json.Marshal(output)
	if err != nil {
		return "<unserializable>"
	}
	s := string(b)
	if len(s) > maxSummaryLen {
		return s[:maxSummaryLen] + "...(truncated)"
	}
	return s
}
