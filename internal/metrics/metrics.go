// Package metrics exposes Prometheus collectors for the extraction queue.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsClaimedTotal           prometheus.Counter
	jobsFinishedTotal          *prometheus.CounterVec
	enqueueOutcomesTotal       *prometheus.CounterVec
	staleRecoveriesTotal       *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	extractionDurationSeconds  prometheus.Histogram
	recomputePassesTotal       prometheus.Counter
	recomputeDurationSeconds   prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsClaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "extractq_jobs_claimed_total",
				Help: "Total number of jobs claimed by workers.",
			},
		)

		jobsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractq_jobs_finished_total",
				Help: "Total number of jobs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		enqueueOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractq_enqueue_outcomes_total",
				Help: "Total enqueue calls, labeled by outcome (enqueued, conflict, already_queued).",
			},
			[]string{"outcome"},
		)

		staleRecoveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractq_stale_recoveries_total",
				Help: "Total stale claims handled by recovery, labeled by outcome (requeued, failed).",
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "extractq_active_workers",
				Help: "Number of workers currently executing an extraction.",
			},
		)

		extractionDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "extractq_extraction_duration_seconds",
				Help:    "Histogram of extraction callback latencies.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		recomputePassesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "extractq_recompute_passes_total",
				Help: "Total aggregate recompute passes executed.",
			},
		)

		recomputeDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "extractq_recompute_duration_seconds",
				Help:    "Histogram of aggregate recompute pass durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveClaim increments the claimed jobs counter.
func ObserveClaim() {
	jobsClaimedTotal.Inc()
}

// ObserveFinish increments the finished jobs counter for a terminal status.
func ObserveFinish(status string) {
	jobsFinishedTotal.WithLabelValues(status).Inc()
}

// ObserveEnqueue increments the enqueue outcome counter.
func ObserveEnqueue(outcome string) {
	enqueueOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRecovery records one recovery pass's outcomes.
func ObserveRecovery(requeued, failed int) {
	staleRecoveriesTotal.WithLabelValues("requeued").Add(float64(requeued))
	staleRecoveriesTotal.WithLabelValues("failed").Add(float64(failed))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveExtraction records the duration of one extraction callback.
func ObserveExtraction(duration time.Duration) {
	extractionDurationSeconds.Observe(duration.Seconds())
}

// ObserveRecompute records one recompute pass.
func ObserveRecompute(duration time.Duration) {
	recomputePassesTotal.Inc()
	recomputeDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
