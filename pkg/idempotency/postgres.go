package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore is a Store backed by PostgreSQL. Atomicity comes from the
// primary-key uniqueness constraint: INSERT ... ON CONFLICT DO NOTHING
// admits exactly one winner, and everyone else reads the winner's row.
type PostgresStore struct {
	db    *sql.DB
	ttls  TTLs
	clock Clock
}

// NewPostgresStore wraps an open database handle. A nil clock uses wall
// time.
func NewPostgresStore(db *sql.DB, ttls TTLs, clock Clock) *PostgresStore {
	if clock == nil {
		clock = wallClock{}
	}
	return &PostgresStore{db: db, ttls: ttls, clock: clock}
}

// Migrate creates the idempotency table if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS idempotency_records (
    key            TEXT PRIMARY KEY,
    status         TEXT NOT NULL,
    payload_hash   TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL,
    completed_at   TIMESTAMPTZ,
    result         JSONB,
    failure_reason TEXT NOT NULL DEFAULT ''
)`)
	if err != nil {
		return fmt.Errorf("idempotency: migrate: %w", err)
	}
	return nil
}

// CheckAndSet implements Store. Expired rows are deleted first so the key
// becomes claimable again; the delete is guarded by the same expiry
// predicate a reader would apply, so it never removes a live record.
func (s *PostgresStore) CheckAndSet(ctx context.Context, key Key, payloadHash string) (CheckResult, error) {
	now := s.clock.Now()
	k := key.Generate()

	_, err := s.db.ExecContext(ctx, `
DELETE FROM idempotency_records
WHERE key = $1
  AND (
    (status = 'completed' AND completed_at < $2) OR
    (status = 'failed'    AND completed_at < $3) OR
    (status = 'pending'   AND created_at   < $4)
  )`,
		k,
		now.Add(-s.ttls.Completed),
		now.Add(-s.ttls.Failed),
		now.Add(-s.ttls.PendingStale),
	)
	if err != nil {
		return CheckResult{}, fmt.Errorf("idempotency: expire: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO idempotency_records (key, status, payload_hash, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO NOTHING`,
		k, StatusPending, payloadHash, now,
	)
	if err != nil {
		return CheckResult{}, fmt.Errorf("idempotency: insert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return CheckResult{IsNew: true}, nil
	}

	existing, err := s.get(ctx, k)
	if err != nil {
		return CheckResult{}, err
	}
	if existing == nil {
		// The row expired between our insert attempt and the read-back.
		// Extremely narrow window; report it as retryable.
		return CheckResult{}, fmt.Errorf("idempotency: key %s raced expiry, retry", k)
	}
	return CheckResult{
		Existing: existing,
		Conflict: payloadHash != "" && existing.PayloadHash != "" && existing.PayloadHash != payloadHash,
	}, nil
}

// Complete implements Store.
func (s *PostgresStore) Complete(ctx context.Context, key Key, result json.RawMessage) error {
	return s.finish(ctx, key, StatusCompleted, result, "")
}

// Fail implements Store.
func (s *PostgresStore) Fail(ctx context.Context, key Key, reason string) error {
	return s.finish(ctx, key, StatusFailed, nil, reason)
}

func (s *PostgresStore) finish(ctx context.Context, key Key, status Status, result json.RawMessage, reason string) error {
	var res any
	if result != nil {
		res = []byte(result)
	}
	out, err := s.db.ExecContext(ctx, `
UPDATE idempotency_records
SET status = $1, completed_at = $2, result = $3, failure_reason = $4
WHERE key = $5 AND status = 'pending'`,
		status, s.clock.Now(), res, reason, key.Generate(),
	)
	if err != nil {
		return fmt.Errorf("idempotency: finish: %w", err)
	}
	if n, err := out.RowsAffected(); err == nil && n == 0 {
		return ErrNotPending
	}
	return nil
}

func (s *PostgresStore) get(ctx context.Context, k string) (*Record, error) {
	var (
		rec         Record
		completedAt sql.NullTime
		result      []byte
	)
	err := s.db.QueryRowContext(ctx, `
SELECT key, status, payload_hash, created_at, completed_at, result, failure_reason
FROM idempotency_records WHERE key = $1`, k,
	).Scan(&rec.Key, &rec.Status, &rec.PayloadHash, &rec.CreatedAt, &completedAt, &result, &rec.FailureReason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: read: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	if rec.Expired(s.ttls, s.clock.Now()) {
		return nil, nil
	}
	return &rec, nil
}
