// Package extraction defines the domain types shared by the queue
// coordinator, the worker pool, and the API layer.
package extraction

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus tracks a run through its extraction sub-stages.
type RunStatus string

// Run lifecycle statuses. A run sits in Queued until a worker claims its
// job, then walks Fetching -> Processing -> Validating -> Stored, or ends
// in Failed or Cancelled.
const (
	RunQueued     RunStatus = "queued"
	RunFetching   RunStatus = "fetching"
	RunProcessing RunStatus = "processing"
	RunValidating RunStatus = "validating"
	RunStored     RunStatus = "stored"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStored, RunFailed, RunCancelled:
		return true
	}
	return false
}

// JobStatus is the queue-side lifecycle of a job.
type JobStatus string

// Job lifecycle statuses. Queued -> Claimed -> {Done|Failed|Cancelled},
// or Claimed -> Queued when a stale claim is requeued.
const (
	JobQueued    JobStatus = "queued"
	JobClaimed   JobStatus = "claimed"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDone, JobFailed, JobCancelled:
		return true
	}
	return false
}

// BatchStatus is derived from a batch aggregate's counters and is never
// written directly by callers.
type BatchStatus string

// Batch rollup statuses.
const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchPartial   BatchStatus = "partial"
	BatchFailed    BatchStatus = "failed"
)

// DeriveBatchStatus computes the rollup status from counters. Running while
// incomplete, Completed if nothing failed, Failed if nothing completed,
// Partial otherwise.
func DeriveBatchStatus(total, completed, failed int) BatchStatus {
	switch {
	case completed+failed < total:
		return BatchRunning
	case failed == 0:
		return BatchCompleted
	case completed == 0:
		return BatchFailed
	default:
		return BatchPartial
	}
}

// Payload carries everything a worker needs to resume execution without
// re-deriving it: the provider/model selection, the prompt reference, and
// the source URLs the run was enqueued against.
type Payload struct {
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	PromptID  string   `json:"prompt_id,omitempty"`
	SourceURL string   `json:"source_url"`
	ExtraURLs []string `json:"extra_urls,omitempty"`
}

// Job is one unit of queued work, owned by exactly one run.
type Job struct {
	ID              uuid.UUID
	RunID           uuid.UUID
	Status          JobStatus
	ClaimedBy       *string
	ClaimToken      *string
	Attempt         int
	CancelRequested bool
	AvailableAt     time.Time
	ClaimedAt       *time.Time
	FinishedAt      *time.Time
	Payload         Payload
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Run is the work item whose status the queue drives. MatchedEntities is
// written when an extraction stores successfully; ExpectedEntities comes
// from the caller at enqueue time. Both feed the batch aggregates.
type Run struct {
	ID               uuid.UUID
	BatchID          *uuid.UUID
	Status           RunStatus
	FailureReason    *string
	SourceURL        string
	ExtraURLs        []string
	MatchedEntities  int
	ExpectedEntities int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BatchAggregate is the denormalized rollup over the runs of one batch.
// Mutated only by the recompute scheduler.
type BatchAggregate struct {
	BatchID   uuid.UUID
	Total     int
	Completed int
	Failed    int
	Matched   int
	Expected  int
	Stale     bool
	Status    BatchStatus
	UpdatedAt time.Time
}

// EnqueueResult is the tagged outcome of an enqueue call. Exactly one of
// Enqueued/AlreadyQueued/Conflict describes what happened; a conflict names
// the run that owns the contested source so callers can link instead of
// duplicating.
type EnqueueResult struct {
	Enqueued      bool
	AlreadyQueued bool
	RunID         uuid.UUID
	RunStatus     RunStatus

	Conflict            bool
	ConflictRunID       uuid.UUID
	ConflictRunStatus   RunStatus
	ConflictFingerprint string
}

// HeartbeatState is the coordinator's reply to a heartbeat. OK=false means
// the presented token no longer owns the job and the worker must abort
// without side effects. CancelRequested piggybacks cooperative cancellation
// so workers need no second polling query.
type HeartbeatState struct {
	OK              bool
	CancelRequested bool
}

// RecoveryStats summarizes one stale-claim recovery pass. FailedRuns names
// the runs forced terminal so callers can fan out notifications and mark
// their batches stale.
type RecoveryStats struct {
	Requeued   int
	Failed     int
	FailedRuns []uuid.UUID
}

// RecomputeStatus describes the recompute scheduler for the status endpoint.
type RecomputeStatus struct {
	Running    bool `json:"running"`
	Queued     bool `json:"queued"`
	StaleCount int  `json:"stale_count"`
}
