package extraction

import (
	"context"

	"github.com/google/uuid"
)

// Coordinator is the transactional queue API workers drive jobs through.
type Coordinator interface {
	ClaimNextJob(ctx context.Context, workerID string) (*Job, error)
	Heartbeat(ctx context.Context, jobID uuid.UUID, claimToken string) (HeartbeatState, error)
	FinishJob(ctx context.Context, jobID uuid.UUID, claimToken string, status JobStatus) (bool, error)
}

// RunStore mutates and reads run rows on behalf of workers and the API.
type RunStore interface {
	UpdateRunStatus(ctx context.Context, runID uuid.UUID, status RunStatus, failureReason *string) error
	MarkRunStored(ctx context.Context, runID uuid.UUID, matchedEntities int) error
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
}

// Extractor is the opaque external provider callback. Execute may take
// minutes and may fail; ctx cancellation is the cooperative stop signal.
type Extractor interface {
	Execute(ctx context.Context, payload Payload) (ExtractResult, error)
}

// ExtractResult is what a successful provider call yields.
type ExtractResult struct {
	EntityCount int
}

// Broadcaster fans out state-change events to live subscribers. Delivery is
// best-effort; persisted state remains the source of truth.
type Broadcaster interface {
	Broadcast(eventType string, payload any)
}

// StaleMarker flags batch aggregates for recomputation. Implemented by the
// recompute scheduler.
type StaleMarker interface {
	MarkStale(ctx context.Context, batchIDs ...uuid.UUID)
}

// Publisher pushes terminal run notifications to an external topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Close() error
}
