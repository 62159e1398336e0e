// Package recompute keeps batch aggregates consistent with the runs they
// roll up. Aggregates are only ever written here; everything else just
// marks them stale.
package recompute

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/refbench/extractq/internal/extraction"
)

// DB is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store owns batch_aggregates rows.
type Store struct {
	db DB
}

// NewStore constructs a Store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// MarkStale upserts aggregate rows for the given batches and flags them
// stale. Unknown batches get a fresh stale row so the next pass picks them
// up.
func (s *Store) MarkStale(ctx context.Context, batchIDs ...uuid.UUID) error {
	for _, id := range batchIDs {
		_, err := s.db.Exec(ctx, `
			INSERT INTO batch_aggregates (batch_id, stale)
			VALUES ($1, TRUE)
			ON CONFLICT (batch_id) DO UPDATE
			SET stale = TRUE, updated_at = NOW()`, id)
		if err != nil {
			return fmt.Errorf("mark aggregate stale: %w", err)
		}
	}
	return nil
}

// ListStale returns up to limit stale batch ids, oldest first.
func (s *Store) ListStale(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT batch_id FROM batch_aggregates
		WHERE stale
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale aggregates: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale aggregate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale aggregates: %w", err)
	}
	return ids, nil
}

// StaleCount reports how many aggregates currently await recomputation.
func (s *Store) StaleCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM batch_aggregates WHERE stale`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale aggregates: %w", err)
	}
	return n, nil
}

const recountSQL = `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE status = 'stored'),
	COUNT(*) FILTER (WHERE status IN ('failed', 'cancelled')),
	COALESCE(SUM(matched_entities), 0),
	COALESCE(SUM(expected_entities), 0)
FROM runs
WHERE batch_id = $1`

// Recompute re-derives one aggregate's counters from its runs and clears
// the stale flag, both inside one transaction so the flag can never be
// cleared against counts it does not reflect.
func (s *Store) Recompute(ctx context.Context, batchID uuid.UUID) (extraction.BatchAggregate, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return extraction.BatchAggregate{}, fmt.Errorf("begin recompute: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	agg := extraction.BatchAggregate{BatchID: batchID}
	err = tx.QueryRow(ctx, recountSQL, batchID).
		Scan(&agg.Total, &agg.Completed, &agg.Failed, &agg.Matched, &agg.Expected)
	if err != nil {
		return extraction.BatchAggregate{}, fmt.Errorf("recount batch runs: %w", err)
	}
	agg.Status = extraction.DeriveBatchStatus(agg.Total, agg.Completed, agg.Failed)

	_, err = tx.Exec(ctx, `
		UPDATE batch_aggregates SET
			total      = $2,
			completed  = $3,
			failed     = $4,
			matched    = $5,
			expected   = $6,
			status     = $7,
			stale      = FALSE,
			updated_at = NOW()
		WHERE batch_id = $1`,
		batchID, agg.Total, agg.Completed, agg.Failed, agg.Matched, agg.Expected, agg.Status)
	if err != nil {
		return extraction.BatchAggregate{}, fmt.Errorf("write aggregate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return extraction.BatchAggregate{}, fmt.Errorf("commit recompute: %w", err)
	}
	return agg, nil
}

// ErrAggregateNotFound is returned by Get for an unknown batch.
var ErrAggregateNotFound = errors.New("batch aggregate not found")

// Get loads one aggregate row.
func (s *Store) Get(ctx context.Context, batchID uuid.UUID) (extraction.BatchAggregate, error) {
	var agg extraction.BatchAggregate
	err := s.db.QueryRow(ctx, `
		SELECT batch_id, total, completed, failed, matched, expected, stale, status, updated_at
		FROM batch_aggregates WHERE batch_id = $1`, batchID).
		Scan(&agg.BatchID, &agg.Total, &agg.Completed, &agg.Failed,
			&agg.Matched, &agg.Expected, &agg.Stale, &agg.Status, &agg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return extraction.BatchAggregate{}, ErrAggregateNotFound
	}
	if err != nil {
		return extraction.BatchAggregate{}, fmt.Errorf("get aggregate: %w", err)
	}
	return agg, nil
}
