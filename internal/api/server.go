// Package api exposes the HTTP interface for the extraction queue service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/refbench/extractq/internal/broadcast"
	"github.com/refbench/extractq/internal/config"
	"github.com/refbench/extractq/internal/extraction"
	"github.com/refbench/extractq/internal/metrics"
	"github.com/refbench/extractq/internal/queue"
)

// QueueService is the coordinator surface the HTTP handlers drive.
type QueueService interface {
	EnqueueNew(ctx context.Context, params queue.NewRunParams) (extraction.EnqueueResult, error)
	EnqueueExisting(ctx context.Context, params queue.ExistingRunParams) (extraction.EnqueueResult, error)
	CancelRun(ctx context.Context, runID uuid.UUID) (queue.CancelResult, error)
	GetRun(ctx context.Context, runID uuid.UUID) (extraction.Run, error)
	GetJobForRun(ctx context.Context, runID uuid.UUID) (*extraction.Job, error)
}

// AggregateReader serves batch rollup reads.
type AggregateReader interface {
	Get(ctx context.Context, batchID uuid.UUID) (extraction.BatchAggregate, error)
}

// RecomputeService triggers and inspects aggregate recomputation.
type RecomputeService interface {
	RecomputeNow(ctx context.Context) error
	Status(ctx context.Context) (extraction.RecomputeStatus, error)
}

// EventSource hands out live event subscriptions for the SSE feed.
type EventSource interface {
	Subscribe() <-chan broadcast.Event
	Unsubscribe(ch <-chan broadcast.Event)
}

// Server wires HTTP handlers to the queue coordinator and read stores.
type Server struct {
	router     chi.Router
	queue      QueueService
	aggregates AggregateReader
	recompute  RecomputeService
	events     EventSource
	ready      func(ctx context.Context) error
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil,
// in which case /readyz always reports ready.
func NewServer(
	q QueueService,
	aggregates AggregateReader,
	recompute RecomputeService,
	events EventSource,
	ready func(ctx context.Context) error,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:      q,
		aggregates: aggregates,
		recompute:  recompute,
		events:     events,
		ready:      ready,
		cfg:        cfg,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		// The SSE feed streams indefinitely and must stay outside the
		// request timeout.
		r.Get("/events", s.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(60 * time.Second))

			r.Route("/runs", func(r chi.Router) {
				r.Post("/", s.enqueueRun)
				r.Route("/{run_id}", func(r chi.Router) {
					r.Get("/", s.getRun)
					r.Post("/retry", s.retryRun)
					r.Post("/cancel", s.cancelRun)
				})
			})
			r.Get("/batches/{batch_id}", s.getBatch)
			r.Get("/recompute/status", s.recomputeStatus)
			r.Post("/recompute", s.triggerRecompute)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
