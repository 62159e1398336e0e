package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/refbench/extractq/internal/extraction"
)

// UpdateRunStatus moves a run through its sub-stage statuses. Workers call
// it on every transition; failureReason is only set alongside RunFailed.
func (c *Coordinator) UpdateRunStatus(ctx context.Context, runID uuid.UUID, status extraction.RunStatus, failureReason *string) error {
	tag, err := c.db.Exec(ctx, `
		UPDATE runs SET
			status         = $2,
			failure_reason = $3,
			updated_at     = NOW()
		WHERE id = $1`, runID, status, failureReason)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// MarkRunStored records a successful extraction: the run goes terminal
// Stored and its matched entity count is captured for aggregate rollups.
func (c *Coordinator) MarkRunStored(ctx context.Context, runID uuid.UUID, matchedEntities int) error {
	tag, err := c.db.Exec(ctx, `
		UPDATE runs SET
			status           = 'stored',
			failure_reason   = NULL,
			matched_entities = $2,
			updated_at       = NOW()
		WHERE id = $1`, runID, matchedEntities)
	if err != nil {
		return fmt.Errorf("mark run stored: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// ErrRunNotFound is returned by GetRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// GetRun loads one run row.
func (c *Coordinator) GetRun(ctx context.Context, runID uuid.UUID) (extraction.Run, error) {
	var run extraction.Run
	err := c.db.QueryRow(ctx, `
		SELECT id, batch_id, status, failure_reason, source_url, extra_urls,
			matched_entities, expected_entities, created_at, updated_at
		FROM runs WHERE id = $1`, runID).
		Scan(&run.ID, &run.BatchID, &run.Status, &run.FailureReason,
			&run.SourceURL, &run.ExtraURLs, &run.MatchedEntities,
			&run.ExpectedEntities, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return extraction.Run{}, ErrRunNotFound
	}
	if err != nil {
		return extraction.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// GetJobForRun loads the run's job. Every run has exactly one.
func (c *Coordinator) GetJobForRun(ctx context.Context, runID uuid.UUID) (*extraction.Job, error) {
	job, err := scanJob(c.db.QueryRow(ctx, `
		SELECT id, run_id, status, claimed_by, claim_token, attempt,
			cancel_requested, available_at, claimed_at, finished_at, payload,
			created_at, updated_at
		FROM extraction_jobs WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job for run: %w", err)
	}
	return job, nil
}
