package recompute

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/refbench/extractq/internal/broadcast"
	"github.com/refbench/extractq/internal/extraction"
	"github.com/refbench/extractq/internal/metrics"
)

// Config tunes the scheduler.
type Config struct {
	// Debounce delays a triggered pass so bursts of MarkStale calls
	// collapse into one recompute.
	Debounce time.Duration
	// BatchSize bounds how many aggregates one inner iteration touches.
	BatchSize int
}

const (
	defaultDebounce  = 750 * time.Millisecond
	defaultBatchSize = 25
)

// Scheduler is the debounced single-flight recompute supervisor. At most one
// pass runs at a time; a trigger arriving mid-pass sets a rerun flag instead
// of stacking a second pass.
type Scheduler struct {
	store  *Store
	bcast  extraction.Broadcaster
	logger *zap.Logger
	cfg    Config

	mu      sync.Mutex
	running bool
	rerun   bool

	// passMu serializes passes between the supervisor and RecomputeNow.
	passMu sync.Mutex

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler constructs a Scheduler. Start must be called before triggers
// have any effect.
func NewScheduler(store *Store, bcast extraction.Broadcaster, logger *zap.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Scheduler{
		store:  store,
		bcast:  bcast,
		logger: logger,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the supervisor goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop shuts the supervisor down and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// MarkStale flags the given batches and triggers a debounced recompute. A
// pass already running absorbs the trigger via the rerun flag.
func (s *Scheduler) MarkStale(ctx context.Context, batchIDs ...uuid.UUID) {
	if len(batchIDs) == 0 {
		return
	}
	if err := s.store.MarkStale(ctx, batchIDs...); err != nil {
		s.logger.Error("mark aggregates stale failed", zap.Error(err))
		return
	}
	s.trigger()
}

func (s *Scheduler) trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.rerun = true
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
		}

		// Debounce: let a burst of staleness marks settle into one pass.
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(s.cfg.Debounce):
		}

		for {
			s.setRunning(true)
			if err := s.pass(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("recompute pass failed", zap.Error(err))
			}
			if !s.setRunningAndCheckRerun() {
				break
			}
		}
	}
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// setRunningAndCheckRerun clears running and consumes the rerun flag,
// reporting whether another pass should follow immediately.
func (s *Scheduler) setRunningAndCheckRerun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if s.rerun {
		s.rerun = false
		s.running = true
		return true
	}
	return false
}

// pass drains all currently-stale aggregates in bounded batches.
func (s *Scheduler) pass(ctx context.Context) error {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := time.Now()
	s.bcast.Broadcast(broadcast.EventRecomputeStarted, nil)
	recomputed := 0
	for {
		ids, err := s.store.ListStale(ctx, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			agg, err := s.store.Recompute(ctx, id)
			if err != nil {
				return err
			}
			recomputed++
			s.bcast.Broadcast(broadcast.EventRecomputeFinished, agg)
		}
	}
	metrics.ObserveRecompute(time.Since(start))
	s.logger.Debug("recompute pass complete",
		zap.Int("aggregates", recomputed),
		zap.Duration("took", time.Since(start)))
	return nil
}

// RecomputeNow synchronously recomputes every stale aggregate, bypassing the
// debounce queue, for callers that need guaranteed-fresh aggregates before
// returning.
func (s *Scheduler) RecomputeNow(ctx context.Context) error {
	return s.pass(ctx)
}

// Status describes the scheduler for the status endpoint.
func (s *Scheduler) Status(ctx context.Context) (extraction.RecomputeStatus, error) {
	stale, err := s.store.StaleCount(ctx)
	if err != nil {
		return extraction.RecomputeStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return extraction.RecomputeStatus{
		Running:    s.running,
		Queued:     s.rerun,
		StaleCount: stale,
	}, nil
}
