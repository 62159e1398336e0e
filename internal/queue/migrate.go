package queue

import (
	"context"
	"fmt"
)

// schema holds the DDL applied at startup. Statements are idempotent so a
// restarting process can always run them.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id             UUID PRIMARY KEY,
		batch_id       UUID,
		status         TEXT NOT NULL,
		failure_reason TEXT,
		source_url     TEXT NOT NULL,
		extra_urls     TEXT[] NOT NULL DEFAULT '{}',
		matched_entities  INT NOT NULL DEFAULT 0,
		expected_entities INT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS extraction_jobs (
		id               UUID PRIMARY KEY,
		run_id           UUID NOT NULL UNIQUE REFERENCES runs(id) ON DELETE CASCADE,
		status           TEXT NOT NULL,
		claimed_by       TEXT,
		claim_token      TEXT,
		attempt          INT NOT NULL DEFAULT 0,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		available_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		claimed_at       TIMESTAMPTZ,
		finished_at      TIMESTAMPTZ,
		payload          JSONB NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extraction_jobs_claimable
		ON extraction_jobs (available_at) WHERE status = 'queued'`,
	`CREATE INDEX IF NOT EXISTS idx_extraction_jobs_claimed_at
		ON extraction_jobs (claimed_at) WHERE status = 'claimed'`,
	`CREATE TABLE IF NOT EXISTS source_locks (
		fingerprint TEXT PRIMARY KEY,
		run_id      UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_source_locks_run ON source_locks (run_id)`,
	`CREATE TABLE IF NOT EXISTS batch_aggregates (
		batch_id   UUID PRIMARY KEY,
		total      INT NOT NULL DEFAULT 0,
		completed  INT NOT NULL DEFAULT 0,
		failed     INT NOT NULL DEFAULT 0,
		matched    INT NOT NULL DEFAULT 0,
		expected   INT NOT NULL DEFAULT 0,
		stale      BOOLEAN NOT NULL DEFAULT TRUE,
		status     TEXT NOT NULL DEFAULT 'running',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_batch_aggregates_stale
		ON batch_aggregates (batch_id) WHERE stale`,
}

// Migrate applies the schema. Safe to call on every process start.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
