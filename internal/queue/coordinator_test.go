package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/refbench/extractq/internal/extraction"
	"github.com/refbench/extractq/internal/fingerprint"
)

func newTestCoordinator(t *testing.T) (*Coordinator, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewCoordinator(mock, nil, Options{}), mock
}

func jobColumns() []string {
	return []string{
		"id", "run_id", "status", "claimed_by", "claim_token", "attempt",
		"cancel_requested", "available_at", "claimed_at", "finished_at",
		"payload", "created_at", "updated_at",
	}
}

// TestEnqueueNewHappyPath verifies run, locks, and job are written in one
// transaction when the source is free.
func TestEnqueueNewHappyPath(t *testing.T) {
	t.Parallel()

	coord, mock := newTestCoordinator(t)
	runID := uuid.New()
	fp := fingerprint.Fingerprint("https://example.com/paper.pdf")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sl.fingerprint, sl.run_id, r.status").
		WithArgs([]string{fp}).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO runs").
		WithArgs(runID, (*uuid.UUID)(nil), extraction.RunQueued, "https://example.com/paper.pdf", []string(nil), 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO source_locks").
		WithArgs(fp, runID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO extraction_jobs").
		WithArgs(pgxmock.AnyArg(), runID, extraction.JobQueued, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := coord.EnqueueNew(context.Background(), NewRunParams{
		RunID:     runID,
		SourceURL: "https://example.com/paper.pdf",
		Payload:   extraction.Payload{Provider: "openai", Model: "gpt-4o", SourceURL: "https://example.com/paper.pdf"},
	})
	require.NoError(t, err)
	require.True(t, res.Enqueued)
	require.Equal(t, runID, res.RunID)
	require.Equal(t, extraction.RunQueued, res.RunStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestEnqueueNewConflict asserts a locked fingerprint yields a conflict
// naming the owning run, with no writes.
func TestEnqueueNewConflict(t *testing.T) {
	t.Parallel()

	coord, mock := newTestCoordinator(t)
	owner := uuid.New()
	fp := fingerprint.Fingerprint("https://example.com/paper.pdf")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sl.fingerprint, sl.run_id, r.status").
		WithArgs([]string{fp}).
		WillReturnRows(pgxmock.NewRows([]string{"fingerprint", "run_id", "status"}).
			AddRow(fp, owner, extraction.RunQueued))
	mock.ExpectRollback()

	res, err := coord.EnqueueNew(context.Background(), NewRunParams{
		SourceURL: "https://example.com/paper.pdf",
	})
	require.NoError(t, err)
	require.True(t, res.Conflict)
	require.False(t, res.Enqueued)
	require.Equal(t, owner, res.ConflictRunID)
	require.Equal(t, extraction.RunQueued, res.ConflictRunStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestEnqueueNewLockRace covers the unique-constraint race: the lock insert
// affects zero rows and the loser re-reads the winner's identity.
func TestEnqueueNewLockRace(t *testing.T) {
	t.Parallel()

	coord, mock := newTestCoordinator(t)
	runID := uuid.New()
	winner := uuid.New()
	fp := fingerprint.Fingerprint("https://example.com/paper.pdf")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sl.fingerprint, sl.run_id, r.status").
		WithArgs([]string{fp}).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO runs").
		WithArgs(runID, (*uuid.UUID)(nil), extraction.RunQueued, "https://example.com/paper.pdf", []string(nil), 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO source_locks").
		WithArgs(fp, runID).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT sl.run_id, r.status").
		WithArgs(fp).
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "status"}).
			AddRow(winner, extraction.RunQueued))
	mock.ExpectRollback()

	res, err := coord.EnqueueNew(context.Background(), NewRunParams{
		RunID:     runID,
		SourceURL: "https://example.com/paper.pdf",
	})
	require.NoError(t, err)
	require.True(t, res.Conflict)
	require.Equal(t, winner, res.ConflictRunID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestClaimNextJobClaims verifies the conditional update path returns the
// claimed job with a fresh token.
func TestClaimNextJobClaims(t *testing.T) {
	t.Parallel()

	coord, mock := newTestCoordinator(t)
	jobID := uuid.New()
	runID := uuid.New()
	now := time.Now().UTC()
	worker := "worker-1"
	token := "tok"

	mock.ExpectQuery("SELECT id FROM extraction_jobs").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(jobID))
	mock.ExpectQuery("UPDATE extraction_jobs SET").
		WithArgs(jobID, worker, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(jobColumns()).AddRow(
			jobID, runID, extraction.JobClaimed, &worker, &token, 0,
			false, now, &now, (*time.Time)(nil),
			[]byte(`{"provider":"openai","model":"gpt-4o","source_url":"https://a.test"}`),
			now, now,
		))

	job, err := coord.ClaimNextJob(context.Background(), worker)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, jobID, job.ID)
	require.Equal(t, extraction.JobClaimed, job.Status)
	require.Equal(t, "openai", job.Payload.Provider)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestClaimNextJobEmptyQueue returns nil without error when nothing is
// eligible.
func TestClaimNextJobEmptyQueue(t *testing.T) {
	t.Parallel()

	coord, mock := newTestCoordinator(t)
	mock.ExpectQuery("SELECT id FROM extraction_jobs").
		WillReturnError(pgx.ErrNoRows)

	job, err := coord.ClaimNextJob(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestClaimNextJobLostRaceRetries covers a claim race: the conditional
// update misses (another worker won) and the next candidate is claimed.
func TestClaimNextJobLostRaceRetries(t *testing.T) {
	t.Parallel()

	coord, mock := newTestCoordinator(t)
	first := uuid.New()
	second := uuid.New()
	runID := uuid.New()
	now := time.Now().UTC()
	worker := "worker-2"
	token := "tok"

	mock.ExpectQuery("SELECT id FROM extraction_jobs").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(first))
	mock.ExpectQuery("UPDATE extraction_jobs SET").
		WithArgs(first, worker, pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT id FROM extraction_jobs").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(second))
	mock.ExpectQuery("UPDATE extraction_jobs SET").
		WithArgs(second, worker, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(jobColumns()).AddRow(
			second, runID, extraction.JobClaimed, &worker, &token, 1,
			false, now, &now, (*time.Time)(nil),
			[]byte(`{"provider":"anthropic","model":"claude","source_url":"https://b.test"}`),
			now, now,
		))

	job, err := coord.ClaimNextJob(context.Background(), worker)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, second, job.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestHeartbeatRefreshesAndReportsCancel exercises the piggybacked cancel
// flag on a live claim.
func TestHeartbeatRefreshesAndReportsCancel(t *testing.T) {
	t.Parallel()

	coord, mock := newTestCoordinator(t)
	jobID := uuid.New()

	mock.ExpectQuery("UPDATE extraction_jobs SET").
		WithArgs(jobID, "tok").
		WillReturnRows(pgxmock.NewRows([]string{"cancel_requested"}).AddRow(true))

	state, err := coord.Heartbeat(context.Background(), jobID, "tok")
	require.NoError(t, err)
	require.True(t, state.OK)
	require.True(t, state.CancelRequested)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestHeartbeatStaleToken reports lost ownership without error.
func TestHeartbeatStaleToken(t *testing.T) {
	t.Parallel()

	coord, mock := newTestCoordinator(t)
	jobID := uuid.New()

	mock.ExpectQuery("UPDATE extraction_jobs SET").
		WithArgs(jobID, "stale").
		WillReturnError(pgx.ErrNoRows)

	state, err := coord.Heartbeat(context.Background(), jobID, "stale")
	require.NoError(t, err)
	require.False(t, state.OK)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestFinishJobReleasesLocks verifies the terminal update and lock release
// share one transaction.
func TestFinishJobReleasesLocks(t *testing.T) {
	t.Parallel()

	coord, mock := newTestCoordinator(t)
	jobID := uuid.New()
	runID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE extraction_jobs SET").
		WithArgs(jobID, "tok", extraction.JobDone).
		WillReturnRows(pgxmock.NewRows([]string{"run_id"}).AddRow(runID))
	mock.ExpectExec("DELETE FROM source_locks").
		WithArgs(runID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	ok, err := coord.FinishJob(context.Background(), jobID, "tok", extraction.JobDone)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestFinishJobStaleTokenNoop confirms a reassigned claim's old token
// cannot finish the job.
func TestFinishJobStaleTokenNoop(t *testing.T) {
	t.Parallel()

	coord, mock := newTestCoordinator(t)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE extraction_jobs SET").
		WithArgs(jobID, "stale", extraction.JobFailed).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	ok, err := coord.FinishJob(context.Background(), jobID, "stale", extraction.JobFailed)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestFinishJobRejectsNonTerminal guards against misuse.
func TestFinishJobRejectsNonTerminal(t *testing.T) {
	t.Parallel()

	coord, _ := newTestCoordinator(t)
	_, err := coord.FinishJob(context.Background(), uuid.New(), "tok", extraction.JobClaimed)
	require.ErrorContains(t, err, "terminal status")
}

// TestEnqueueExistingAlreadyQueued returns without mutating when the job is
// still live.
func TestEnqueueExistingAlreadyQueued(t *testing.T) {
	t.Parallel()

	coord, mock := newTestCoordinator(t)
	runID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT r.status, r.source_url, r.extra_urls, j.status, j.payload").
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{"status", "source_url", "extra_urls", "job_status", "payload"}).
			AddRow(extraction.RunQueued, "https://a.test", []string{}, extraction.JobQueued,
				[]byte(`{"provider":"openai","model":"gpt-4o","source_url":"https://a.test"}`)))
	mock.ExpectRollback()

	res, err := coord.EnqueueExisting(context.Background(), ExistingRunParams{RunID: runID})
	require.NoError(t, err)
	require.True(t, res.AlreadyQueued)
	require.Equal(t, runID, res.RunID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestEnqueueExistingRetriesWithNewSource moves the lock set to the new
// fingerprints and resets job and run in one transaction.
func TestEnqueueExistingRetriesWithNewSource(t *testing.T) {
	t.Parallel()

	coord, mock := newTestCoordinator(t)
	runID := uuid.New()
	newFP := fingerprint.Fingerprint("https://mirror.test/paper.pdf")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT r.status, r.source_url, r.extra_urls, j.status, j.payload").
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{"status", "source_url", "extra_urls", "job_status", "payload"}).
			AddRow(extraction.RunFailed, "https://a.test", []string{}, extraction.JobFailed,
				[]byte(`{"provider":"openai","model":"gpt-4o","source_url":"https://a.test"}`)))
	mock.ExpectQuery("SELECT sl.fingerprint, sl.run_id, r.status").
		WithArgs([]string{newFP}, runID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("DELETE FROM source_locks").
		WithArgs(runID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO source_locks").
		WithArgs(newFP, runID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE extraction_jobs SET").
		WithArgs(runID, extraction.JobQueued, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE runs SET").
		WithArgs(runID, extraction.RunQueued, "https://mirror.test/paper.pdf", []string(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := coord.EnqueueExisting(context.Background(), ExistingRunParams{
		RunID:     runID,
		SourceURL: "https://mirror.test/paper.pdf",
	})
	require.NoError(t, err)
	require.True(t, res.Enqueued)
	require.Equal(t, extraction.RunQueued, res.RunStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}
