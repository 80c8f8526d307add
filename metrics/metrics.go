// Package metrics exposes Prometheus metrics for the dispatcher, the sweeper
// and the live gateway. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace is the namespace for all metrics.
	Namespace = "extract"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Dispatcher
	JobsStartedTotal        prometheus.Counter
	AdmissionsRejectedTotal *prometheus.CounterVec
	JobsFinishedTotal       *prometheus.CounterVec
	JobDurationSeconds      prometheus.Histogram
	JobsRunning             prometheus.Gauge
	JobsReapedTotal         prometheus.Counter

	// Sweeper
	ArtifactsExpiredTotal prometheus.Counter
	OrphansRemovedTotal   prometheus.Counter

	// Gateway
	GatewayConnections    prometheus.Gauge
	UpdatesForwardedTotal prometheus.Counter
}

// New creates and registers every collector on reg. A nil reg uses a fresh
// registry so repeated construction in tests never collides.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	factory := promauto.With(reg)
	m := &Metrics{gatherer: reg}

	m.initDispatcherMetrics(factory)
	m.initSweeperMetrics(factory)
	m.initGatewayMetrics(factory)

	return m
}

func (m *Metrics) initDispatcherMetrics(factory promauto.Factory) {
	m.JobsStartedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "dispatcher",
		Name:      "jobs_started_total",
		Help:      "Total number of jobs admitted for execution",
	})

	m.AdmissionsRejectedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatcher",
			Name:      "admissions_rejected_total",
			Help:      "Total number of start requests rejected",
		},
		[]string{"reason"},
	)

	m.JobsFinishedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatcher",
			Name:      "jobs_finished_total",
			Help:      "Total number of executions that reached a terminal state",
		},
		[]string{"status"},
	)

	m.JobDurationSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "dispatcher",
		Name:      "job_duration_seconds",
		Help:      "Duration of job execution in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 13), // 0.5s to ~34min
	})

	m.JobsRunning = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "dispatcher",
		Name:      "jobs_running",
		Help:      "Number of executions running in this process",
	})

	m.JobsReapedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "watchdog",
		Name:      "jobs_reaped_total",
		Help:      "Total number of stale jobs failed with a timeout",
	})
}

func (m *Metrics) initSweeperMetrics(factory promauto.Factory) {
	m.ArtifactsExpiredTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "sweeper",
		Name:      "artifacts_expired_total",
		Help:      "Total number of completed jobs moved to expired",
	})

	m.OrphansRemovedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "sweeper",
		Name:      "orphans_removed_total",
		Help:      "Total number of unreferenced artifact files removed",
	})
}

func (m *Metrics) initGatewayMetrics(factory promauto.Factory) {
	m.GatewayConnections = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Number of open live connections",
	})

	m.UpdatesForwardedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "gateway",
		Name:      "updates_forwarded_total",
		Help:      "Total number of progress updates written to live connections",
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// JobStarted records an admission.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsStartedTotal.Inc()
	m.JobsRunning.Inc()
}

// AdmissionRejected records a rejected start.
func (m *Metrics) AdmissionRejected(reason string) {
	if m == nil {
		return
	}
	m.AdmissionsRejectedTotal.WithLabelValues(reason).Inc()
}

// JobFinished records the end of an execution.
func (m *Metrics) JobFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsRunning.Dec()
	m.JobsFinishedTotal.WithLabelValues(status).Inc()
	m.JobDurationSeconds.Observe(elapsed.Seconds())
}

// JobReaped records a watchdog timeout.
func (m *Metrics) JobReaped() {
	if m == nil {
		return
	}
	m.JobsReapedTotal.Inc()
}

// Swept records one sweep pass.
func (m *Metrics) Swept(expired, orphans int) {
	if m == nil {
		return
	}
	m.ArtifactsExpiredTotal.Add(float64(expired))
	m.OrphansRemovedTotal.Add(float64(orphans))
}

// ConnectionOpened records a new live connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.GatewayConnections.Inc()
}

// ConnectionClosed records a closed live connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.GatewayConnections.Dec()
}

// UpdateForwarded records one update written to a connection.
func (m *Metrics) UpdateForwarded() {
	if m == nil {
		return
	}
	m.UpdatesForwardedTotal.Inc()
}
