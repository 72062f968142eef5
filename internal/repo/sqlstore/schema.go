package sqlstore

import (
	"context"
	"fmt"
)

// Timestamps are stored as unix nanoseconds so both dialects order and
// round-trip them identically.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL,
		template_version INTEGER NOT NULL,
		status TEXT NOT NULL,
		needs_review BOOLEAN NOT NULL DEFAULT FALSE,
		state TEXT NOT NULL,
		version BIGINT NOT NULL,
		created_at_ns BIGINT NOT NULL,
		updated_at_ns BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_template ON runs(template_id)`,
	`CREATE TABLE IF NOT EXISTS step_executions (
		step_execution_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		finished_at_ns BIGINT NOT NULL,
		record TEXT NOT NULL,
		UNIQUE (run_id, step_id, attempt)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_step_executions_run ON step_executions(run_id)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		ticket_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		status TEXT NOT NULL,
		role TEXT NOT NULL,
		issued_at_ns BIGINT NOT NULL,
		expires_at_ns BIGINT NOT NULL,
		record TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_status_expiry ON tickets(status, expires_at_ns)`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		run_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		ts_ns BIGINT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
