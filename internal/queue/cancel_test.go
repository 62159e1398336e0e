package queue

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/refbench/extractq/internal/extraction"
)

// TestCancelRunImmediate cancels a queued job, its run, and its locks in
// one transaction.
func TestCancelRunImmediate(t *testing.T) {
	t.Parallel()

	coord, mock := newTestCoordinator(t)
	runID := uuid.New()
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE extraction_jobs SET").
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(jobID))
	mock.ExpectExec("UPDATE runs SET").
		WithArgs(runID, extraction.RunCancelled).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM source_locks").
		WithArgs(runID).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	res, err := coord.CancelRun(context.Background(), runID)
	require.NoError(t, err)
	require.True(t, res.Found)
	require.True(t, res.Immediate)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestCancelRunCooperative flags a claimed job and leaves termination to
// the owning worker.
func TestCancelRunCooperative(t *testing.T) {
	t.Parallel()

	coord, mock := newTestCoordinator(t)
	runID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE extraction_jobs SET").
		WithArgs(runID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("UPDATE extraction_jobs SET").
		WithArgs(runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := coord.CancelRun(context.Background(), runID)
	require.NoError(t, err)
	require.True(t, res.Found)
	require.False(t, res.Immediate)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestCancelRunTerminalNotFound reports Found=false for a run with no live
// job.
func TestCancelRunTerminalNotFound(t *testing.T) {
	t.Parallel()

	coord, mock := newTestCoordinator(t)
	runID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE extraction_jobs SET").
		WithArgs(runID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("UPDATE extraction_jobs SET").
		WithArgs(runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	res, err := coord.CancelRun(context.Background(), runID)
	require.NoError(t, err)
	require.False(t, res.Found)
	require.NoError(t, mock.ExpectationsWereMet())
}
