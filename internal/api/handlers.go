package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/refbench/extractq/internal/extraction"
	"github.com/refbench/extractq/internal/metrics"
	"github.com/refbench/extractq/internal/queue"
	"github.com/refbench/extractq/internal/recompute"
)

type enqueueRunRequest struct {
	RunID            *uuid.UUID `json:"run_id"`
	BatchID          *uuid.UUID `json:"batch_id"`
	SourceURL        string     `json:"source_url"`
	ExtraURLs        []string   `json:"extra_urls"`
	ExpectedEntities int        `json:"expected_entities"`
	Provider         string     `json:"provider"`
	Model            string     `json:"model"`
	PromptID         string     `json:"prompt_id"`
}

type retryRunRequest struct {
	SourceURL string   `json:"source_url"`
	ExtraURLs []string `json:"extra_urls"`
}

type enqueueRunResponse struct {
	RunID  uuid.UUID            `json:"run_id"`
	Status extraction.RunStatus `json:"status"`
}

type conflictResponse struct {
	Error             string               `json:"error"`
	ConflictRunID     uuid.UUID            `json:"conflict_run_id"`
	ConflictRunStatus extraction.RunStatus `json:"conflict_run_status"`
	Fingerprint       string               `json:"fingerprint"`
}

// enqueueRun handles POST /v1/runs. A source already locked by a live run
// yields 409 naming that run so the caller can link rather than duplicate.
func (s *Server) enqueueRun(w http.ResponseWriter, r *http.Request) {
	var req enqueueRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.SourceURL = strings.TrimSpace(req.SourceURL)
	if req.SourceURL == "" {
		writeError(w, http.StatusBadRequest, "source_url required")
		return
	}

	runID := uuid.New()
	if req.RunID != nil {
		runID = *req.RunID
	}
	params := queue.NewRunParams{
		RunID:            runID,
		BatchID:          req.BatchID,
		SourceURL:        req.SourceURL,
		ExtraURLs:        req.ExtraURLs,
		ExpectedEntities: req.ExpectedEntities,
		Payload: extraction.Payload{
			Provider:  req.Provider,
			Model:     req.Model,
			PromptID:  req.PromptID,
			SourceURL: req.SourceURL,
			ExtraURLs: req.ExtraURLs,
		},
	}

	res, err := s.queue.EnqueueNew(r.Context(), params)
	if err != nil {
		s.logger.Error("enqueue run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	s.writeEnqueueResult(w, res)
}

// retryRun handles POST /v1/runs/{run_id}/retry. An empty body (or empty
// source_url) requeues the run with its stored sources.
func (s *Server) retryRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}

	var req retryRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	res, err := s.queue.EnqueueExisting(r.Context(), queue.ExistingRunParams{
		RunID:     runID,
		SourceURL: strings.TrimSpace(req.SourceURL),
		ExtraURLs: req.ExtraURLs,
	})
	if err != nil {
		if errors.Is(err, queue.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("retry run failed", zap.String("run_id", runID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	s.writeEnqueueResult(w, res)
}

func (s *Server) writeEnqueueResult(w http.ResponseWriter, res extraction.EnqueueResult) {
	switch {
	case res.Conflict:
		metrics.ObserveEnqueue("conflict")
		writeJSON(w, http.StatusConflict, conflictResponse{
			Error:             "source already locked by another run",
			ConflictRunID:     res.ConflictRunID,
			ConflictRunStatus: res.ConflictRunStatus,
			Fingerprint:       res.ConflictFingerprint,
		})
	case res.AlreadyQueued:
		metrics.ObserveEnqueue("already_queued")
		writeJSON(w, http.StatusOK, enqueueRunResponse{RunID: res.RunID, Status: res.RunStatus})
	default:
		metrics.ObserveEnqueue("enqueued")
		writeJSON(w, http.StatusAccepted, enqueueRunResponse{RunID: res.RunID, Status: res.RunStatus})
	}
}

// cancelRun handles POST /v1/runs/{run_id}/cancel. Queued work cancels
// immediately; claimed work is flagged and stops at the worker's next
// heartbeat.
func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	res, err := s.queue.CancelRun(r.Context(), runID)
	if err != nil {
		s.logger.Error("cancel run failed", zap.String("run_id", runID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	if !res.Found {
		writeError(w, http.StatusNotFound, "no cancellable work for run")
		return
	}
	mode := "requested"
	if res.Immediate {
		mode = "immediate"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"run_id": runID.String(),
		"cancel": mode,
	})
}

type runResponse struct {
	Run runDTO  `json:"run"`
	Job *jobDTO `json:"job,omitempty"`
}

type runDTO struct {
	ID               uuid.UUID            `json:"id"`
	BatchID          *uuid.UUID           `json:"batch_id,omitempty"`
	Status           extraction.RunStatus `json:"status"`
	FailureReason    *string              `json:"failure_reason,omitempty"`
	SourceURL        string               `json:"source_url"`
	ExtraURLs        []string             `json:"extra_urls,omitempty"`
	MatchedEntities  int                  `json:"matched_entities"`
	ExpectedEntities int                  `json:"expected_entities"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

type jobDTO struct {
	ID              uuid.UUID            `json:"id"`
	Status          extraction.JobStatus `json:"status"`
	ClaimedBy       *string              `json:"claimed_by,omitempty"`
	Attempt         int                  `json:"attempt"`
	CancelRequested bool                 `json:"cancel_requested"`
	ClaimedAt       *time.Time           `json:"claimed_at,omitempty"`
	FinishedAt      *time.Time           `json:"finished_at,omitempty"`
}

// getRun handles GET /v1/runs/{run_id}, returning the run and its job. The
// claim token never leaves the coordinator.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	run, err := s.queue.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, queue.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("run_id", runID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	resp := runResponse{Run: runDTO{
		ID:               run.ID,
		BatchID:          run.BatchID,
		Status:           run.Status,
		FailureReason:    run.FailureReason,
		SourceURL:        run.SourceURL,
		ExtraURLs:        run.ExtraURLs,
		MatchedEntities:  run.MatchedEntities,
		ExpectedEntities: run.ExpectedEntities,
		CreatedAt:        run.CreatedAt,
		UpdatedAt:        run.UpdatedAt,
	}}

	job, err := s.queue.GetJobForRun(r.Context(), runID)
	if err != nil && !errors.Is(err, queue.ErrRunNotFound) {
		s.logger.Error("get job failed", zap.String("run_id", runID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job != nil {
		resp.Job = &jobDTO{
			ID:              job.ID,
			Status:          job.Status,
			ClaimedBy:       job.ClaimedBy,
			Attempt:         job.Attempt,
			CancelRequested: job.CancelRequested,
			ClaimedAt:       job.ClaimedAt,
			FinishedAt:      job.FinishedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type batchDTO struct {
	BatchID   uuid.UUID              `json:"batch_id"`
	Total     int                    `json:"total"`
	Completed int                    `json:"completed"`
	Failed    int                    `json:"failed"`
	Matched   int                    `json:"matched"`
	Expected  int                    `json:"expected"`
	Stale     bool                   `json:"stale"`
	Status    extraction.BatchStatus `json:"status"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// getBatch handles GET /v1/batches/{batch_id}.
func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(chi.URLParam(r, "batch_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}
	agg, err := s.aggregates.Get(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, recompute.ErrAggregateNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		s.logger.Error("get batch failed", zap.String("batch_id", batchID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}
	writeJSON(w, http.StatusOK, batchDTO{
		BatchID:   agg.BatchID,
		Total:     agg.Total,
		Completed: agg.Completed,
		Failed:    agg.Failed,
		Matched:   agg.Matched,
		Expected:  agg.Expected,
		Stale:     agg.Stale,
		Status:    agg.Status,
		UpdatedAt: agg.UpdatedAt,
	})
}

// recomputeStatus handles GET /v1/recompute/status.
func (s *Server) recomputeStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.recompute.Status(r.Context())
	if err != nil {
		s.logger.Error("recompute status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read recompute status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// triggerRecompute handles POST /v1/recompute, running a synchronous pass
// over all stale batches.
func (s *Server) triggerRecompute(w http.ResponseWriter, r *http.Request) {
	if err := s.recompute.RecomputeNow(r.Context()); err != nil {
		s.logger.Error("recompute failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "recompute failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recomputed"})
}

func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	runID, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return uuid.Nil, false
	}
	return runID, true
}
