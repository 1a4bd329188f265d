// Package metrics exposes Prometheus instrumentation for the queue and
// worker pool, plus the HTTP server that serves /metrics and /healthz.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "planforge"

// Metrics holds the service's Prometheus collectors. Each instance owns
// its registry so tests can create them freely.
type Metrics struct {
	registry *prometheus.Registry

	jobsEnqueued     *prometheus.CounterVec
	jobsDeduplicated *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec

	attemptsFinalized *prometheus.CounterVec
	attemptDuration   prometheus.Histogram

	queuePending     prometheus.Gauge
	queueProcessing  prometheus.Gauge
	oldestProcessing prometheus.Gauge
}

// New creates a Metrics instance with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		jobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Total jobs enqueued, labelled by type.",
		}, []string{"type"}),

		jobsDeduplicated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_deduplicated_total",
			Help:      "Total enqueue requests absorbed by an existing active job.",
		}, []string{"type"}),

		jobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_completed_total",
			Help:      "Total jobs completed, labelled by type.",
		}, []string{"type"}),

		jobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_failed_total",
			Help:      "Total failed dispatches, labelled by type.",
		}, []string{"type"}),

		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "End-to-end job dispatch time in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"type"}),

		attemptsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generate",
			Name:      "attempts_finalized_total",
			Help:      "Total generation attempts finalized, labelled by status and classification.",
		}, []string{"status", "classification"}),

		attemptDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generate",
			Name:      "attempt_duration_seconds",
			Help:      "Provider invocation time per attempt in seconds.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 90, 120},
		}),

		queuePending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending_jobs",
			Help:      "Jobs currently pending dispatch.",
		}),

		queueProcessing: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processing_jobs",
			Help:      "Jobs currently leased.",
		}),

		oldestProcessing: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "oldest_processing_age_seconds",
			Help:      "Age of the oldest leased job, for stuck-job alerting.",
		}),
	}
}

// Registry returns the underlying registry for HTTP exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// JobEnqueued records an enqueue, with dedup marking absorbed requests.
func (m *Metrics) JobEnqueued(jobType string, deduplicated bool) {
	if deduplicated {
		m.jobsDeduplicated.WithLabelValues(jobType).Inc()
		return
	}
	m.jobsEnqueued.WithLabelValues(jobType).Inc()
}

// JobCompleted records a successful dispatch.
func (m *Metrics) JobCompleted(jobType string, duration time.Duration) {
	m.jobsCompleted.WithLabelValues(jobType).Inc()
	m.jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// JobFailed records a failed dispatch.
func (m *Metrics) JobFailed(jobType string) {
	m.jobsFailed.WithLabelValues(jobType).Inc()
}

// AttemptFinalized records a finalized generation attempt.
func (m *Metrics) AttemptFinalized(status, classification string, duration time.Duration) {
	m.attemptsFinalized.WithLabelValues(status, classification).Inc()
	m.attemptDuration.Observe(duration.Seconds())
}

// SetQueueDepth updates the backlog gauges from a stats snapshot.
func (m *Metrics) SetQueueDepth(pending, processing int, oldestProcessingAge time.Duration) {
	m.queuePending.Set(float64(pending))
	m.queueProcessing.Set(float64(processing))
	m.oldestProcessing.Set(oldestProcessingAge.Seconds())
}
