package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/refbench/extractq/internal/broadcast"
	"github.com/refbench/extractq/internal/extraction"
	"github.com/refbench/extractq/internal/metrics"
)

// RecoveryCoordinator is the coordinator surface the recovery loop needs.
type RecoveryCoordinator interface {
	RecoverStaleClaims(ctx context.Context, staleAfter time.Duration, maxAttempts int) (extraction.RecoveryStats, error)
	GetRun(ctx context.Context, runID uuid.UUID) (extraction.Run, error)
}

// RecoveryConfig tunes the stale-claim recovery loop.
type RecoveryConfig struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	MaxAttempts int
}

// Recovery periodically sweeps claimed jobs whose workers went quiet. It is
// the only worker-crash recovery mechanism; there is no per-job watchdog.
type Recovery struct {
	coord  RecoveryCoordinator
	bcast  extraction.Broadcaster
	stale  extraction.StaleMarker
	cfg    RecoveryConfig
	logger *zap.Logger
}

// NewRecovery constructs a Recovery. bcast and stale may be nil.
func NewRecovery(coord RecoveryCoordinator, bcast extraction.Broadcaster, stale extraction.StaleMarker, cfg RecoveryConfig, logger *zap.Logger) *Recovery {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recovery{coord: coord, bcast: bcast, stale: stale, cfg: cfg, logger: logger}
}

// Run blocks, sweeping on every tick until the context finishes. One pass
// runs immediately at startup so jobs orphaned by a crash are requeued
// before the first interval elapses.
func (r *Recovery) Run(ctx context.Context) {
	r.sweep(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Recovery) sweep(ctx context.Context) {
	stats, err := r.coord.RecoverStaleClaims(ctx, r.cfg.StaleAfter, r.cfg.MaxAttempts)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("stale-claim recovery failed", zap.Error(err))
		}
		return
	}
	if stats.Requeued == 0 && stats.Failed == 0 {
		return
	}
	metrics.ObserveRecovery(stats.Requeued, stats.Failed)
	r.logger.Info("stale-claim recovery pass",
		zap.Int("requeued", stats.Requeued),
		zap.Int("failed", stats.Failed))

	for _, runID := range stats.FailedRuns {
		if r.bcast != nil {
			r.bcast.Broadcast(broadcast.EventRunStatus, RunStatusEvent{
				RunID:  runID,
				Status: extraction.RunFailed,
			})
		}
		if r.stale == nil {
			continue
		}
		run, err := r.coord.GetRun(ctx, runID)
		if err != nil {
			r.logger.Warn("load failed run for staleness marking",
				zap.String("run_id", runID.String()), zap.Error(err))
			continue
		}
		if run.BatchID != nil {
			r.stale.MarkStale(ctx, *run.BatchID)
		}
	}
}
