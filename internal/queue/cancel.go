package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/refbench/extractq/internal/extraction"
)

// CancelResult reports whether the run was found and whether cancellation
// took effect immediately (queued job cancelled in place) or cooperatively
// (claimed job flagged; the worker observes the flag on its next heartbeat).
type CancelResult struct {
	Found     bool
	Immediate bool
}

// CancelRun cancels a run's pending work. A Queued job moves straight to
// Cancelled with its run, and the run's source locks are released. A
// Claimed job only gets cancel_requested set; the owning worker finishes it
// Cancelled once its heartbeat reports the flag. Terminal jobs are left
// untouched.
func (c *Coordinator) CancelRun(ctx context.Context, runID uuid.UUID) (CancelResult, error) {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return CancelResult{}, fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var jobID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE extraction_jobs SET
			status      = 'cancelled',
			finished_at = NOW(),
			claimed_by  = NULL,
			claim_token = NULL,
			updated_at  = NOW()
		WHERE run_id = $1 AND status = 'queued'
		RETURNING id`, runID).Scan(&jobID)
	switch {
	case err == nil:
		_, err = tx.Exec(ctx, `
			UPDATE runs SET
				status     = $2,
				updated_at = NOW()
			WHERE id = $1`, runID, extraction.RunCancelled)
		if err != nil {
			return CancelResult{}, fmt.Errorf("cancel run: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM source_locks WHERE run_id = $1`, runID); err != nil {
			return CancelResult{}, fmt.Errorf("release locks on cancel: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return CancelResult{}, fmt.Errorf("commit cancel: %w", err)
		}
		return CancelResult{Found: true, Immediate: true}, nil

	case errors.Is(err, pgx.ErrNoRows):
		tag, err := tx.Exec(ctx, `
			UPDATE extraction_jobs SET
				cancel_requested = TRUE,
				updated_at       = NOW()
			WHERE run_id = $1 AND status = 'claimed'`, runID)
		if err != nil {
			return CancelResult{}, fmt.Errorf("request cancel: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return CancelResult{}, nil
		}
		if err := tx.Commit(ctx); err != nil {
			return CancelResult{}, fmt.Errorf("commit cancel request: %w", err)
		}
		return CancelResult{Found: true}, nil

	default:
		return CancelResult{}, fmt.Errorf("cancel queued job: %w", err)
	}
}
