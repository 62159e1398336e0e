package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/refbench/extractq/internal/extraction"
)

// recoveryBatchLimit bounds how many stale claims one pass touches.
const recoveryBatchLimit = 100

// abandonedReason is the standard failure reason stamped on runs whose job
// exhausted its attempts through stale-claim recovery.
func abandonedReason(attempts int) string {
	return fmt.Sprintf("extraction abandoned after %d attempts (worker presumed dead)", attempts)
}

// staleClaimsSQL selects claimed jobs whose heartbeat went quiet. SKIP
// LOCKED keeps the pass from blocking on rows a live worker is touching.
const staleClaimsSQL = `
SELECT id, run_id, attempt
FROM extraction_jobs
WHERE status = 'claimed'
  AND claimed_at < NOW() - ($1 * interval '1 second')
ORDER BY claimed_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED`

// RecoverStaleClaims scans claimed jobs whose claimed_at is older than
// staleAfter. Each one has its attempt counter bumped; below maxAttempts it
// is reset to Queued with cleared claim fields, otherwise the job and its
// run go Failed and the run's source locks are released. The whole pass is
// one transaction, so a run can never be observed Failed while its job is
// still Claimed.
func (c *Coordinator) RecoverStaleClaims(ctx context.Context, staleAfter time.Duration, maxAttempts int) (extraction.RecoveryStats, error) {
	var stats extraction.RecoveryStats

	tx, err := c.db.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("begin recovery: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	rows, err := tx.Query(ctx, staleClaimsSQL, staleSeconds(staleAfter), recoveryBatchLimit)
	if err != nil {
		return stats, fmt.Errorf("select stale claims: %w", err)
	}

	type staleJob struct {
		id      uuid.UUID
		runID   uuid.UUID
		attempt int
	}
	var stale []staleJob
	for rows.Next() {
		var s staleJob
		if err := rows.Scan(&s.id, &s.runID, &s.attempt); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan stale claim: %w", err)
		}
		stale = append(stale, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate stale claims: %w", err)
	}

	for _, s := range stale {
		attempt := s.attempt + 1
		if attempt < maxAttempts {
			_, err := tx.Exec(ctx, `
				UPDATE extraction_jobs SET
					status      = 'queued',
					attempt     = $2,
					claimed_by  = NULL,
					claim_token = NULL,
					claimed_at  = NULL,
					updated_at  = NOW()
				WHERE id = $1`, s.id, attempt)
			if err != nil {
				return stats, fmt.Errorf("requeue stale job: %w", err)
			}
			stats.Requeued++
			c.logger.Info("requeued stale claim",
				zap.String("job_id", s.id.String()),
				zap.String("run_id", s.runID.String()),
				zap.Int("attempt", attempt))
			continue
		}

		_, err := tx.Exec(ctx, `
			UPDATE extraction_jobs SET
				status      = 'failed',
				attempt     = $2,
				claimed_by  = NULL,
				claim_token = NULL,
				finished_at = NOW(),
				updated_at  = NOW()
			WHERE id = $1`, s.id, attempt)
		if err != nil {
			return stats, fmt.Errorf("fail stale job: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE runs SET
				status         = 'failed',
				failure_reason = $2,
				updated_at     = NOW()
			WHERE id = $1`, s.runID, abandonedReason(attempt))
		if err != nil {
			return stats, fmt.Errorf("fail owning run: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM source_locks WHERE run_id = $1`, s.runID); err != nil {
			return stats, fmt.Errorf("release locks for failed run: %w", err)
		}
		stats.Failed++
		stats.FailedRuns = append(stats.FailedRuns, s.runID)
		c.logger.Warn("stale claim exhausted attempts",
			zap.String("job_id", s.id.String()),
			zap.String("run_id", s.runID.String()),
			zap.Int("attempt", attempt))
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, fmt.Errorf("commit recovery: %w", err)
	}
	return stats, nil
}
