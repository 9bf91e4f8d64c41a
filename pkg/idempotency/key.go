// Package idempotency deduplicates triggering events before they reach
// authorization and execution. It provides deterministic per-source key
// derivation and atomic check-and-set stores so a retried delivery is
// observed exactly once.
package idempotency

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Source identifies the channel a triggering event arrived on. Each source
// has its own key shape.
type Source string

const (
	SourceGitHubWebhook Source = "github"
	SourceAPI           Source = "api"
	SourceSlack         Source = "slack"
	SourceScheduler     Source = "scheduler"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceGitHubWebhook, SourceAPI, SourceSlack, SourceScheduler:
		return true
	}
	return false
}

// maxKeyLen keeps keys within typical document-key limits.
const maxKeyLen = 1500

var (
	ErrInvalidKey = errors.New("idempotency: invalid key")
)

// Key is the structured form of an idempotency key. Generate and Parse are
// exact inverses: Parse(k.Generate()) reproduces k for every valid Key.
type Key struct {
	Source Source
	Tenant string
	// EventID is the source-specific trigger identifier: the webhook
	// delivery id (a UUID) for github, the request id for api, the
	// callback id for slack, the schedule id for scheduler.
	EventID string
	// Timestamp is the scheduled-fire instant, set only for scheduler
	// keys. It is carried verbatim; callers supply RFC 3339 UTC strings.
	Timestamp string
}

// NewGitHubKey derives the key for a GitHub webhook delivery. The delivery
// id must be a UUID, which GitHub guarantees per delivery attempt.
func NewGitHubKey(tenant, deliveryID string) (Key, error) {
	if _, err := uuid.Parse(deliveryID); err != nil {
		return Key{}, fmt.Errorf("idempotency: github delivery id %q is not a uuid: %w", deliveryID, err)
	}
	return newKey(SourceGitHubWebhook, tenant, deliveryID, "")
}

// NewAPIKey derives the key for a direct API request.
func NewAPIKey(tenant, requestID string) (Key, error) {
	return newKey(SourceAPI, tenant, requestID, "")
}

// NewSlackKey derives the key for a Slack interaction callback.
func NewSlackKey(tenant, callbackID string) (Key, error) {
	return newKey(SourceSlack, tenant, callbackID, "")
}

// NewSchedulerKey derives the key for a scheduled trigger. The timestamp
// distinguishes individual firings of the same schedule.
func NewSchedulerKey(tenant, scheduleID, timestamp string) (Key, error) {
	if timestamp == "" {
		return Key{}, fmt.Errorf("%w: scheduler key requires a timestamp", ErrInvalidKey)
	}
	return newKey(SourceScheduler, tenant, scheduleID, timestamp)
}

func newKey(src Source, tenant, eventID, ts string) (Key, error) {
	k := Key{Source: src, Tenant: tenant, EventID: eventID, Timestamp: ts}
	if err := k.validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

func (k Key) validate() error {
	if !k.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidKey, k.Source)
	}
	if k.Tenant == "" {
		return fmt.Errorf("%w: tenant required", ErrInvalidKey)
	}
	if k.EventID == "" {
		return fmt.Errorf("%w: event id required", ErrInvalidKey)
	}
	for _, part := range []string{k.Tenant, k.EventID} {
		if strings.ContainsRune(part, ':') {
			return fmt.Errorf("%w: %q must not contain ':'", ErrInvalidKey, part)
		}
		if !keyCharsOK(part) {
			return fmt.Errorf("%w: %q contains characters outside [A-Za-z0-9_-]", ErrInvalidKey, part)
		}
	}
	if k.Source == SourceScheduler {
		if k.Timestamp == "" {
			return fmt.Errorf("%w: scheduler key requires a timestamp", ErrInvalidKey)
		}
		if !keyCharsOK(strings.ReplaceAll(k.Timestamp, ":", "")) {
			return fmt.Errorf("%w: timestamp %q contains invalid characters", ErrInvalidKey, k.Timestamp)
		}
	} else if k.Timestamp != "" {
		return fmt.Errorf("%w: timestamp only valid for scheduler keys", ErrInvalidKey)
	}
	if len(k.Generate()) > maxKeyLen {
		return fmt.Errorf("%w: key exceeds %d bytes", ErrInvalidKey, maxKeyLen)
	}
	return nil
}

// keyCharsOK restricts key segments to the documented ASCII alphabet.
func keyCharsOK(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Generate renders the canonical colon-delimited text form.
func (k Key) Generate() string {
	if k.Source == SourceScheduler {
		return fmt.Sprintf("%s:%s:%s:%s", k.Source, k.Tenant, k.EventID, k.Timestamp)
	}
	return fmt.Sprintf("%s:%s:%s", k.Source, k.Tenant, k.EventID)
}

// String implements fmt.Stringer.
func (k Key) String() string { return k.Generate() }

// Parse is the exact inverse of Generate. A key is valid iff it parses
// losslessly back into one of the four known shapes; there is no separate
// validation regex.
func Parse(s string) (Key, error) {
	if len(s) > maxKeyLen {
		return Key{}, fmt.Errorf("%w: exceeds %d bytes", ErrInvalidKey, maxKeyLen)
	}
	parts := strings.SplitN(s, ":", 4)
	if len(parts) < 3 {
		return Key{}, fmt.Errorf("%w: %q has fewer than 3 segments", ErrInvalidKey, s)
	}
	src := Source(parts[0])
	k := Key{Source: src, Tenant: parts[1], EventID: parts[2]}
	switch src {
	case SourceScheduler:
		// The timestamp itself contains colons, so everything after the
		// third segment belongs to it.
		if len(parts) != 4 {
			return Key{}, fmt.Errorf("%w: scheduler key %q missing timestamp", ErrInvalidKey, s)
		}
		k.Timestamp = parts[3]
	case SourceGitHubWebhook:
		if len(parts) != 3 {
			return Key{}, fmt.Errorf("%w: %q has trailing segments", ErrInvalidKey, s)
		}
		if _, err := uuid.Parse(k.EventID); err != nil {
			return Key{}, fmt.Errorf("%w: github delivery id %q is not a uuid", ErrInvalidKey, k.EventID)
		}
	case SourceAPI, SourceSlack:
		if len(parts) != 3 {
			return Key{}, fmt.Errorf("%w: %q has trailing segments", ErrInvalidKey, s)
		}
	default:
		return Key{}, fmt.Errorf("%w: unknown source %q", ErrInvalidKey, parts[0])
	}
	if err := k.validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}
