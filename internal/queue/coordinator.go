// Package queue implements the transactional job queue coordinator: source
// fingerprint locking, claim-based work distribution with claim tokens,
// heartbeats, and stale-claim recovery. Every multi-row mutation runs in a
// single transaction, guarded by a conditional update or a uniqueness
// constraint, never by read-then-write.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/refbench/extractq/internal/extraction"
	"github.com/refbench/extractq/internal/fingerprint"
)

// DB is the subset of pgxpool.Pool the coordinator needs. pgxmock satisfies
// it in tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Options tunes coordinator behavior.
type Options struct {
	// ClaimRetries bounds how many lost claim races one ClaimNextJob call
	// absorbs before reporting an empty queue.
	ClaimRetries int
}

// Coordinator is the sole mutator of job and source-lock rows.
type Coordinator struct {
	db     DB
	logger *zap.Logger
	opts   Options
}

// NewCoordinator constructs a Coordinator over the given pool.
func NewCoordinator(db DB, logger *zap.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ClaimRetries <= 0 {
		opts.ClaimRetries = 3
	}
	return &Coordinator{db: db, logger: logger, opts: opts}
}

// NewRunParams describes a run to enqueue for the first time.
type NewRunParams struct {
	RunID            uuid.UUID
	BatchID          *uuid.UUID
	SourceURL        string
	ExtraURLs        []string
	ExpectedEntities int
	Payload          extraction.Payload
}

const lockConflictSQL = `
SELECT sl.fingerprint, sl.run_id, r.status
FROM source_locks sl
JOIN runs r ON r.id = sl.run_id
WHERE sl.fingerprint = ANY($1)
LIMIT 1`

// EnqueueNew registers a run, acquires all of its source locks, and inserts
// its job, atomically. If any fingerprint is already locked by another run
// the call returns a Conflict result naming the owner and writes nothing.
// A lock-insert race (two callers enqueueing the same source concurrently)
// is resolved by the primary key: the loser re-reads the winner and returns
// the same conflict shape.
func (c *Coordinator) EnqueueNew(ctx context.Context, params NewRunParams) (extraction.EnqueueResult, error) {
	fps, err := fingerprint.Fingerprints(params.SourceURL, params.ExtraURLs)
	if err != nil {
		return extraction.EnqueueResult{}, err
	}
	if params.RunID == uuid.Nil {
		params.RunID = uuid.New()
	}
	payload, err := json.Marshal(params.Payload)
	if err != nil {
		return extraction.EnqueueResult{}, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := c.db.Begin(ctx)
	if err != nil {
		return extraction.EnqueueResult{}, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if res, conflicted, err := conflictFor(ctx, tx, fps); err != nil {
		return extraction.EnqueueResult{}, err
	} else if conflicted {
		return res, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (id, batch_id, status, source_url, extra_urls, expected_entities)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		params.RunID, params.BatchID, extraction.RunQueued, params.SourceURL, params.ExtraURLs,
		params.ExpectedEntities)
	if err != nil {
		return extraction.EnqueueResult{}, fmt.Errorf("insert run: %w", err)
	}

	if res, conflicted, err := c.insertLocks(ctx, tx, params.RunID, fps); err != nil {
		return extraction.EnqueueResult{}, err
	} else if conflicted {
		return res, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO extraction_jobs (id, run_id, status, attempt, available_at, payload)
		VALUES ($1, $2, $3, 0, NOW(), $4)`,
		uuid.New(), params.RunID, extraction.JobQueued, payload)
	if err != nil {
		return extraction.EnqueueResult{}, fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return extraction.EnqueueResult{}, fmt.Errorf("commit enqueue: %w", err)
	}
	return extraction.EnqueueResult{
		Enqueued:  true,
		RunID:     params.RunID,
		RunStatus: extraction.RunQueued,
	}, nil
}

// ExistingRunParams re-queues a previously failed or cancelled run,
// optionally against replacement source URLs.
type ExistingRunParams struct {
	RunID     uuid.UUID
	SourceURL string   // empty keeps the run's stored primary URL
	ExtraURLs []string // only applied when SourceURL is set
}

// EnqueueExisting resets an existing run's job back to Queued. If the run's
// job is already Queued or Claimed the call reports AlreadyQueued and writes
// nothing. When the source set changed, old locks are dropped and new ones
// inserted inside the same transaction as the conflict check.
func (c *Coordinator) EnqueueExisting(ctx context.Context, params ExistingRunParams) (extraction.EnqueueResult, error) {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return extraction.EnqueueResult{}, fmt.Errorf("begin requeue: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var (
		run        extraction.Run
		jobStatus  extraction.JobStatus
		rawPayload []byte
	)
	run.ID = params.RunID
	err = tx.QueryRow(ctx, `
		SELECT r.status, r.source_url, r.extra_urls, j.status, j.payload
		FROM runs r
		JOIN extraction_jobs j ON j.run_id = r.id
		WHERE r.id = $1
		FOR UPDATE OF r, j`, params.RunID).
		Scan(&run.Status, &run.SourceURL, &run.ExtraURLs, &jobStatus, &rawPayload)
	if errors.Is(err, pgx.ErrNoRows) {
		return extraction.EnqueueResult{}, fmt.Errorf("run %s: %w", params.RunID, ErrRunNotFound)
	}
	if err != nil {
		return extraction.EnqueueResult{}, fmt.Errorf("load run for requeue: %w", err)
	}

	if jobStatus == extraction.JobQueued || jobStatus == extraction.JobClaimed {
		return extraction.EnqueueResult{
			AlreadyQueued: true,
			RunID:         params.RunID,
			RunStatus:     run.Status,
		}, nil
	}

	sourceURL, extraURLs := run.SourceURL, run.ExtraURLs
	if params.SourceURL != "" {
		sourceURL, extraURLs = params.SourceURL, params.ExtraURLs
	}
	fps, err := fingerprint.Fingerprints(sourceURL, extraURLs)
	if err != nil {
		return extraction.EnqueueResult{}, err
	}

	var conflictRes extraction.EnqueueResult
	var conflicted bool
	err = tx.QueryRow(ctx, `
		SELECT sl.fingerprint, sl.run_id, r.status
		FROM source_locks sl
		JOIN runs r ON r.id = sl.run_id
		WHERE sl.fingerprint = ANY($1) AND sl.run_id <> $2
		LIMIT 1`, fps, params.RunID).
		Scan(&conflictRes.ConflictFingerprint, &conflictRes.ConflictRunID, &conflictRes.ConflictRunStatus)
	switch {
	case err == nil:
		conflictRes.Conflict = true
		conflicted = true
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return extraction.EnqueueResult{}, fmt.Errorf("check source locks: %w", err)
	}
	if conflicted {
		return conflictRes, nil
	}

	// Terminal finishes released this run's locks, so the full set is
	// reinserted whether or not the source changed.
	if _, err := tx.Exec(ctx, `DELETE FROM source_locks WHERE run_id = $1`, params.RunID); err != nil {
		return extraction.EnqueueResult{}, fmt.Errorf("drop old source locks: %w", err)
	}
	if res, conflicted, err := c.insertLocks(ctx, tx, params.RunID, fps); err != nil {
		return extraction.EnqueueResult{}, err
	} else if conflicted {
		return res, nil
	}

	var payload extraction.Payload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return extraction.EnqueueResult{}, fmt.Errorf("decode job payload: %w", err)
	}
	payload.SourceURL, payload.ExtraURLs = sourceURL, extraURLs
	newPayload, err := json.Marshal(payload)
	if err != nil {
		return extraction.EnqueueResult{}, fmt.Errorf("marshal payload: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE extraction_jobs SET
			status           = $2,
			claimed_by       = NULL,
			claim_token      = NULL,
			cancel_requested = FALSE,
			available_at     = NOW(),
			claimed_at       = NULL,
			finished_at      = NULL,
			payload          = $3,
			updated_at       = NOW()
		WHERE run_id = $1`, params.RunID, extraction.JobQueued, newPayload)
	if err != nil {
		return extraction.EnqueueResult{}, fmt.Errorf("reset job: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE runs SET
			status         = $2,
			failure_reason = NULL,
			source_url     = $3,
			extra_urls     = $4,
			updated_at     = NOW()
		WHERE id = $1`, params.RunID, extraction.RunQueued, sourceURL, extraURLs)
	if err != nil {
		return extraction.EnqueueResult{}, fmt.Errorf("reset run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return extraction.EnqueueResult{}, fmt.Errorf("commit requeue: %w", err)
	}
	return extraction.EnqueueResult{
		Enqueued:  true,
		RunID:     params.RunID,
		RunStatus: extraction.RunQueued,
	}, nil
}

// conflictFor reports whether any fingerprint in fps is already locked,
// loading the owning run's identity and status for the conflict result.
func conflictFor(ctx context.Context, tx pgx.Tx, fps []string) (extraction.EnqueueResult, bool, error) {
	var res extraction.EnqueueResult
	err := tx.QueryRow(ctx, lockConflictSQL, fps).
		Scan(&res.ConflictFingerprint, &res.ConflictRunID, &res.ConflictRunStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return extraction.EnqueueResult{}, false, nil
	}
	if err != nil {
		return extraction.EnqueueResult{}, false, fmt.Errorf("check source locks: %w", err)
	}
	res.Conflict = true
	return res, true, nil
}

// insertLocks acquires all fingerprints for runID. The primary key on
// source_locks is the concurrency guard: ON CONFLICT DO NOTHING plus a
// rows-affected check detects a race lost to a concurrent enqueue, in which
// case the winner is re-read and returned as a conflict.
func (c *Coordinator) insertLocks(ctx context.Context, tx pgx.Tx, runID uuid.UUID, fps []string) (extraction.EnqueueResult, bool, error) {
	for _, fp := range fps {
		tag, err := tx.Exec(ctx, `
			INSERT INTO source_locks (fingerprint, run_id)
			VALUES ($1, $2)
			ON CONFLICT (fingerprint) DO NOTHING`, fp, runID)
		if err != nil {
			return extraction.EnqueueResult{}, false, fmt.Errorf("insert source lock: %w", err)
		}
		if tag.RowsAffected() == 1 {
			continue
		}
		// Lost the insert race. The transaction is abandoned and the
		// winner's identity is read outside it.
		var res extraction.EnqueueResult
		res.ConflictFingerprint = fp
		err = c.db.QueryRow(ctx, `
			SELECT sl.run_id, r.status
			FROM source_locks sl
			JOIN runs r ON r.id = sl.run_id
			WHERE sl.fingerprint = $1`, fp).
			Scan(&res.ConflictRunID, &res.ConflictRunStatus)
		if err != nil {
			return extraction.EnqueueResult{}, false, fmt.Errorf("read conflicting lock: %w", err)
		}
		res.Conflict = true
		return res, true, nil
	}
	return extraction.EnqueueResult{}, false, nil
}

const claimSQL = `
UPDATE extraction_jobs SET
	status      = 'claimed',
	claimed_by  = $2,
	claim_token = $3,
	claimed_at  = NOW(),
	updated_at  = NOW()
WHERE id = $1 AND status = 'queued'
RETURNING id, run_id, status, claimed_by, claim_token, attempt,
	cancel_requested, available_at, claimed_at, finished_at, payload,
	created_at, updated_at`

// ClaimNextJob claims the oldest eligible queued job for workerID, minting a
// fresh claim token. The conditional update's affected rows gate success; a
// lost race is retried up to Options.ClaimRetries before reporting an empty
// queue. Returns (nil, nil) when nothing is claimable.
func (c *Coordinator) ClaimNextJob(ctx context.Context, workerID string) (*extraction.Job, error) {
	for i := 0; i < c.opts.ClaimRetries; i++ {
		var jobID uuid.UUID
		err := c.db.QueryRow(ctx, `
			SELECT id FROM extraction_jobs
			WHERE status = 'queued' AND available_at <= NOW()
			ORDER BY available_at ASC
			LIMIT 1`).Scan(&jobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select claimable job: %w", err)
		}

		token := uuid.NewString()
		job, err := scanJob(c.db.QueryRow(ctx, claimSQL, jobID, workerID, token))
		if errors.Is(err, pgx.ErrNoRows) {
			// Another worker claimed it between the select and the
			// update. Try the next candidate.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		return job, nil
	}
	return nil, nil
}

// Heartbeat refreshes claimed_at for a job the caller still owns. A false
// OK means the token is stale and the caller must abort without side
// effects. CancelRequested rides along so workers observe cooperative
// cancellation without a second query.
func (c *Coordinator) Heartbeat(ctx context.Context, jobID uuid.UUID, claimToken string) (extraction.HeartbeatState, error) {
	var cancelRequested bool
	err := c.db.QueryRow(ctx, `
		UPDATE extraction_jobs SET
			claimed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND claim_token = $2 AND status = 'claimed'
		RETURNING cancel_requested`, jobID, claimToken).Scan(&cancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		return extraction.HeartbeatState{}, nil
	}
	if err != nil {
		return extraction.HeartbeatState{}, fmt.Errorf("heartbeat: %w", err)
	}
	return extraction.HeartbeatState{OK: true, CancelRequested: cancelRequested}, nil
}

// FinishJob moves a job to a terminal status and releases every source lock
// the owning run holds, in one transaction. Only the current claim token is
// honored; a stale token is a no-op returning false.
func (c *Coordinator) FinishJob(ctx context.Context, jobID uuid.UUID, claimToken string, status extraction.JobStatus) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish requires a terminal status, got %q", status)
	}

	tx, err := c.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin finish: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var runID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE extraction_jobs SET
			status      = $3,
			finished_at = NOW(),
			claimed_by  = NULL,
			claim_token = NULL,
			updated_at  = NOW()
		WHERE id = $1 AND claim_token = $2 AND status = 'claimed'
		RETURNING run_id`, jobID, claimToken, status).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM source_locks WHERE run_id = $1`, runID); err != nil {
		return false, fmt.Errorf("release source locks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit finish: %w", err)
	}
	return true, nil
}

func scanJob(row pgx.Row) (*extraction.Job, error) {
	var (
		job     extraction.Job
		payload []byte
	)
	err := row.Scan(
		&job.ID,
		&job.RunID,
		&job.Status,
		&job.ClaimedBy,
		&job.ClaimToken,
		&job.Attempt,
		&job.CancelRequested,
		&job.AvailableAt,
		&job.ClaimedAt,
		&job.FinishedAt,
		&payload,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	return &job, nil
}

// staleSeconds converts a duration to whole seconds for interval math in SQL.
func staleSeconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
