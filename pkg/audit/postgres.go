package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore is a durable append-only audit sink backed by PostgreSQL.
// Rows are only ever inserted; there is no update or delete path.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit_events table if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id              TEXT PRIMARY KEY,
			run_id          TEXT NOT NULL,
			tenant_id       TEXT NOT NULL,
			actor_id        TEXT NOT NULL,
			tool            TEXT NOT NULL,
			policy_class    TEXT NOT NULL,
			decision_reason TEXT NOT NULL,
			outcome         TEXT NOT NULL,
			error_code      TEXT,
			ts              TIMESTAMPTZ NOT NULL,
			duration_ns     BIGINT NOT NULL,
			output_summary  TEXT,
			request_id      TEXT
		)`)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Append implements Sink.
func (s *PostgresStore) Append(ctx context.Context, ev *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, run_id, tenant_id, actor_id, tool, policy_class,
			 decision_reason, outcome, error_code, ts, duration_ns,
			 output_summary, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ev.ID, ev.RunID, ev.TenantID, ev.ActorID, ev.Tool, ev.PolicyClass,
		ev.DecisionReason, string(ev.Outcome), ev.ErrorCode, ev.Timestamp,
		int64(ev.Duration), ev.OutputSummary, ev.RequestID,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// QueryByRun returns events for one run, oldest first.
func (s *PostgresStore) QueryByRun(ctx context.Context, tenantID, runID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, tenant_id, actor_id, tool, policy_class,
		       decision_reason, outcome, error_code, ts, duration_ns,
		       output_summary, request_id
		FROM audit_events
		WHERE tenant_id = $1 AND run_id = $2
		ORDER BY ts ASC`,
		tenantID, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*Event, error) {
	var (
		ev         Event
		errCode    sql.NullString
		summary    sql.NullString
		requestID  sql.NullString
		durationNS int64
		ts         time.Time
	)
	err := r.Scan(&ev.ID, &ev.RunID, &ev.TenantID, &ev.ActorID, &ev.Tool,
		&ev.PolicyClass, &ev.DecisionReason, &ev.Outcome, &errCode, &ts,
		&durationNS, &summary, &requestID)
	if err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	ev.ErrorCode = errCode.String
	ev.OutputSummary = summary.String
	ev.RequestID = requestID.String
	ev.Timestamp = ts
	ev.Duration = time.Duration(durationNS)
	return &ev, nil
}
