// Package worker implements the extraction execution loop: a bounded pool
// of executors that claim jobs, drive runs through their sub-stages, invoke
// the provider callback, and finish jobs under their claim token.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/refbench/extractq/internal/broadcast"
	"github.com/refbench/extractq/internal/extraction"
	"github.com/refbench/extractq/internal/metrics"
)

// Config controls Pool behavior.
type Config struct {
	Workers           int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// Topic names the publisher destination for terminal run events.
	// Empty disables publishing.
	Topic string
}

// Pool fans work out to a fixed set of executor goroutines. All coordination
// happens through the durable store; the pool holds no job state of its own,
// which is what makes restarts safe.
type Pool struct {
	coord     extraction.Coordinator
	runs      extraction.RunStore
	extractor extraction.Extractor
	bcast     extraction.Broadcaster
	stale     extraction.StaleMarker
	publisher extraction.Publisher
	cfg       Config
	logger    *zap.Logger

	wg sync.WaitGroup
}

// New constructs a Pool. stale and publisher may be nil.
func New(
	coord extraction.Coordinator,
	runs extraction.RunStore,
	extractor extraction.Extractor,
	bcast extraction.Broadcaster,
	stale extraction.StaleMarker,
	publisher extraction.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		coord:     coord,
		runs:      runs,
		extractor: extractor,
		bcast:     bcast,
		stale:     stale,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run starts all executors and blocks until the context finishes and every
// executor has returned. A job in flight at shutdown is either finished by
// its executor or left Claimed for stale-claim recovery on the next start.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	<-ctx.Done()
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.coord.ClaimNextJob(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Store trouble halts this iteration only, never the pool.
			p.logger.Error("claim failed", zap.String("worker_id", workerID), zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}
		p.process(ctx, workerID, job)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.PollInterval):
	}
}

func (p *Pool) process(ctx context.Context, workerID string, job *extraction.Job) {
	metrics.ObserveClaim()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	log := p.logger.With(
		zap.String("worker_id", workerID),
		zap.String("job_id", job.ID.String()),
		zap.String("run_id", job.RunID.String()),
		zap.Int("attempt", job.Attempt))
	log.Info("job claimed")

	run, err := p.runs.GetRun(ctx, job.RunID)
	if err != nil {
		log.Error("load run failed", zap.Error(err))
		p.failJob(ctx, log, job, run, fmt.Sprintf("load run: %v", err))
		return
	}

	// Walk the pre-callback sub-stages, broadcasting each transition.
	for _, stage := range []extraction.RunStatus{
		extraction.RunFetching,
		extraction.RunProcessing,
		extraction.RunValidating,
	} {
		if err := p.setRunStatus(ctx, job.RunID, stage, nil); err != nil {
			log.Error("stage transition failed", zap.String("stage", string(stage)), zap.Error(err))
			p.failJob(ctx, log, job, run, fmt.Sprintf("stage transition: %v", err))
			return
		}
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost, cancelRequested atomic.Bool
	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go p.heartbeat(execCtx, job, &lost, &cancelRequested, cancel, hbStop, hbDone, log)

	start := time.Now()
	result, execErr := p.extractor.Execute(execCtx, job.Payload)
	metrics.ObserveExtraction(time.Since(start))

	close(hbStop)
	<-hbDone
	cancel()

	switch {
	case lost.Load():
		// Ownership was reassigned mid-flight; the eventual result is
		// void and must not be persisted.
		log.Warn("claim lost during extraction; discarding result")
		return

	case cancelRequested.Load():
		log.Info("extraction cancelled on request")
		p.finish(ctx, log, job, run, extraction.JobCancelled, extraction.RunCancelled, nil, 0)
		return

	case ctx.Err() != nil:
		// Shutdown: leave the job Claimed. Stale recovery on the next
		// process start requeues it.
		log.Info("shutdown during extraction; leaving job for recovery")
		return

	case execErr != nil:
		reason := execErr.Error()
		log.Warn("extraction failed", zap.String("reason", reason), zap.Duration("took", time.Since(start)))
		p.finish(ctx, log, job, run, extraction.JobFailed, extraction.RunFailed, &reason, 0)
		return

	default:
		log.Info("extraction succeeded",
			zap.Int("entities", result.EntityCount),
			zap.Duration("took", time.Since(start)))
		p.finish(ctx, log, job, run, extraction.JobDone, extraction.RunStored, nil, result.EntityCount)
	}
}

// heartbeat refreshes the claim every HeartbeatInterval. Losing ownership
// or seeing a cancel request cancels the extraction context so the callback
// can stop cooperatively.
func (p *Pool) heartbeat(
	ctx context.Context,
	job *extraction.Job,
	lost, cancelRequested *atomic.Bool,
	cancel context.CancelFunc,
	stop <-chan struct{},
	done chan<- struct{},
	log *zap.Logger,
) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	token := ""
	if job.ClaimToken != nil {
		token = *job.ClaimToken
	}

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := p.coord.Heartbeat(ctx, job.ID, token)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("heartbeat failed", zap.Error(err))
				continue
			}
			if !state.OK {
				log.Warn("heartbeat rejected; claim reassigned")
				lost.Store(true)
				cancel()
				return
			}
			if state.CancelRequested {
				log.Info("cancel requested via heartbeat")
				cancelRequested.Store(true)
				cancel()
				return
			}
		}
	}
}

// finish persists the terminal run state, finishes the job under its claim
// token, and fans out the notification. A false from FinishJob means the
// claim was reassigned between the last heartbeat and now; the redo by the
// new owner supersedes whatever was written here.
func (p *Pool) finish(
	ctx context.Context,
	log *zap.Logger,
	job *extraction.Job,
	run extraction.Run,
	jobStatus extraction.JobStatus,
	runStatus extraction.RunStatus,
	failureReason *string,
	matchedEntities int,
) {
	var err error
	if runStatus == extraction.RunStored {
		err = p.runs.MarkRunStored(ctx, job.RunID, matchedEntities)
	} else {
		err = p.runs.UpdateRunStatus(ctx, job.RunID, runStatus, failureReason)
	}
	if err != nil {
		log.Error("terminal run update failed", zap.Error(err))
		return
	}

	token := ""
	if job.ClaimToken != nil {
		token = *job.ClaimToken
	}
	ok, err := p.coord.FinishJob(ctx, job.ID, token, jobStatus)
	if err != nil {
		log.Error("finish job failed", zap.Error(err))
		return
	}
	if !ok {
		log.Warn("finish rejected; claim reassigned")
		return
	}
	metrics.ObserveFinish(string(jobStatus))

	p.announce(ctx, job.RunID, run.BatchID, runStatus, failureReason)
}

// failJob terminates a job whose pre-callback setup failed.
func (p *Pool) failJob(ctx context.Context, log *zap.Logger, job *extraction.Job, run extraction.Run, reason string) {
	p.finish(ctx, log, job, run, extraction.JobFailed, extraction.RunFailed, &reason, 0)
}

func (p *Pool) setRunStatus(ctx context.Context, runID uuid.UUID, status extraction.RunStatus, failureReason *string) error {
	if err := p.runs.UpdateRunStatus(ctx, runID, status, failureReason); err != nil {
		return err
	}
	p.bcast.Broadcast(broadcast.EventRunStatus, RunStatusEvent{
		RunID:  runID,
		Status: status,
	})
	return nil
}

// announce broadcasts the terminal transition, marks the batch stale, and
// publishes the external notification when configured.
func (p *Pool) announce(ctx context.Context, runID uuid.UUID, batchID *uuid.UUID, status extraction.RunStatus, failureReason *string) {
	evt := RunStatusEvent{RunID: runID, Status: status}
	if failureReason != nil {
		evt.FailureReason = *failureReason
	}
	p.bcast.Broadcast(broadcast.EventRunStatus, evt)

	if p.stale != nil && batchID != nil {
		p.stale.MarkStale(ctx, *batchID)
	}

	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"run_id":    runID.String(),
		"status":    string(status),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if failureReason != nil {
		payload["failure_reason"] = *failureReason
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, payload); err != nil {
		p.logger.Warn("publish terminal run event failed",
			zap.String("run_id", runID.String()), zap.Error(err))
	}
}

// RunStatusEvent is the broadcast payload for run transitions.
type RunStatusEvent struct {
	RunID         uuid.UUID            `json:"run_id"`
	Status        extraction.RunStatus `json:"status"`
	FailureReason string               `json:"failure_reason,omitempty"`
}
