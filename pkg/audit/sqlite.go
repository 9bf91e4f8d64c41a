package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-node durable audit sink. Same append-only
// contract as PostgresStore, for deployments without a database server.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and migrates it.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.ExecContext(context.Background(), `
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
			ts              DATETIME NOT NULL,
			duration_ns     INTEGER NOT NULL,
			output_summary  TEXT,
			request_id      TEXT
		)`)
	if err != nil {
		return fmt.Errorf("audit: migrate sqlite: %w", err)
	}
	return nil
}

// Append implements Sink.
func (s *SQLiteStore) Append(ctx context.Context, ev *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, run_id, tenant_id, actor_id, tool, policy_class,
			 decision_reason, outcome, error_code, ts, duration_ns,
			 output_summary, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, ev.TenantID, ev.ActorID, ev.Tool, ev.PolicyClass,
		ev.DecisionReason, string(ev.Outcome), ev.ErrorCode,
		ev.Timestamp.UTC().Format(time.RFC3339Nano), int64(ev.Duration),
		ev.OutputSummary, ev.RequestID,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// QueryByRun returns events for one run, oldest first.
func (s *SQLiteStore) QueryByRun(ctx context.Context, tenantID, runID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, tenant_id, actor_id, tool, policy_class,
		       decision_reason, outcome, error_code, ts, duration_ns,
		       output_summary, request_id
		FROM audit_events
		WHERE tenant_id = ? AND run_id = ?
		ORDER BY ts ASC`,
		tenantID, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		var (
			ev         Event
			errCode    sql.NullString
			summary    sql.NullString
			requestID  sql.NullString
			tsRaw      string
			durationNS int64
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.TenantID, &ev.ActorID,
			&ev.Tool, &ev.PolicyClass, &ev.DecisionReason, &ev.Outcome,
			&errCode, &tsRaw, &durationNS, &summary, &requestID); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		ev.ErrorCode = errCode.String
		ev.OutputSummary = summary.String
		ev.RequestID = requestID.String
		ev.Duration = time.Duration(durationNS)
		if ts, err := time.Parse(time.RFC3339Nano, tsRaw); err == nil {
			ev.Timestamp = ts
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
