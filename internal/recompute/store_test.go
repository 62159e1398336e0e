package recompute

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/refbench/extractq/internal/extraction"
)

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewStore(mock), mock
}

// TestMarkStaleUpserts creates missing aggregate rows and flags existing
// ones.
func TestMarkStaleUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	a, b := uuid.New(), uuid.New()

	mock.ExpectExec("INSERT INTO batch_aggregates").
		WithArgs(a).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO batch_aggregates").
		WithArgs(b).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.MarkStale(context.Background(), a, b))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRecomputeWritesCountersAndClearsStale verifies recount, status
// derivation, and the stale clear share one transaction.
func TestRecomputeWritesCountersAndClearsStale(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	batchID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM runs").
		WithArgs(batchID).
		WillReturnRows(pgxmock.NewRows([]string{"total", "completed", "failed", "matched", "expected"}).
			AddRow(5, 3, 2, 41, 50))
	mock.ExpectExec("UPDATE batch_aggregates SET").
		WithArgs(batchID, 5, 3, 2, 41, 50, extraction.BatchPartial).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	agg, err := store.Recompute(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, 5, agg.Total)
	require.Equal(t, extraction.BatchPartial, agg.Status)
	require.LessOrEqual(t, agg.Completed+agg.Failed, agg.Total)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestListStaleReturnsOldestFirst checks the bounded stale listing.
func TestListStaleReturnsOldestFirst(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	a, b := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT batch_id FROM batch_aggregates").
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{"batch_id"}).AddRow(a).AddRow(b))

	ids, err := store.ListStale(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{a, b}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestAggregateInvariantUnderRandomSequences drives a batch of runs through
// random lifecycle sequences and checks the recount the store would produce
// after every step: completed + failed never exceeds total, and the derived
// status always agrees with the counters.
func TestAggregateInvariantUnderRandomSequences(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))

	for seq := 0; seq < 200; seq++ {
		runs := make(map[int]extraction.RunStatus)
		nextID := 0

		check := func() {
			total, completed, failed := 0, 0, 0
			for _, st := range runs {
				total++
				switch st {
				case extraction.RunStored:
					completed++
				case extraction.RunFailed, extraction.RunCancelled:
					failed++
				}
			}
			require.LessOrEqual(t, completed+failed, total)

			status := extraction.DeriveBatchStatus(total, completed, failed)
			switch {
			case completed+failed < total:
				require.Equal(t, extraction.BatchRunning, status)
			case failed == 0:
				require.Equal(t, extraction.BatchCompleted, status)
			case completed == 0:
				require.Equal(t, extraction.BatchFailed, status)
			default:
				require.Equal(t, extraction.BatchPartial, status)
			}
		}

		for step := 0; step < 50; step++ {
			switch rng.Intn(6) {
			case 0: // enqueue a new run
				runs[nextID] = extraction.RunQueued
				nextID++
			case 1: // a worker claims and advances it
				if id, ok := pickRun(rng, runs, extraction.RunQueued); ok {
					runs[id] = extraction.RunProcessing
				}
			case 2: // extraction succeeds
				if id, ok := pickRun(rng, runs, extraction.RunProcessing); ok {
					runs[id] = extraction.RunStored
				}
			case 3: // extraction fails, or stale recovery exhausts attempts
				if id, ok := pickRun(rng, runs, extraction.RunProcessing); ok {
					runs[id] = extraction.RunFailed
				}
			case 4: // queued work is cancelled
				if id, ok := pickRun(rng, runs, extraction.RunQueued); ok {
					runs[id] = extraction.RunCancelled
				}
			case 5: // a terminal run is deleted with its batch membership
				for id, st := range runs {
					if st.Terminal() {
						delete(runs, id)
						break
					}
				}
			}
			check()
		}
	}
}

func pickRun(rng *rand.Rand, runs map[int]extraction.RunStatus, want extraction.RunStatus) (int, bool) {
	var ids []int
	for id, st := range runs {
		if st == want {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, false
	}
	return ids[rng.Intn(len(ids))], true
}

// TestDeriveBatchStatusTable pins the counter-to-status function.
func TestDeriveBatchStatusTable(t *testing.T) {
	t.Parallel()

	require.Equal(t, extraction.BatchRunning, extraction.DeriveBatchStatus(3, 1, 1))
	require.Equal(t, extraction.BatchCompleted, extraction.DeriveBatchStatus(3, 3, 0))
	require.Equal(t, extraction.BatchFailed, extraction.DeriveBatchStatus(3, 0, 3))
	require.Equal(t, extraction.BatchPartial, extraction.DeriveBatchStatus(3, 2, 1))
	require.Equal(t, extraction.BatchCompleted, extraction.DeriveBatchStatus(0, 0, 0))
}
