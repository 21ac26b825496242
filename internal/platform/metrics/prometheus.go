package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the execution core.
type Metrics struct {
	registry *prometheus.Registry

	// Admission metrics
	TriggersTotal      *prometheus.CounterVec
	AdmissionsQueued   prometheus.Gauge
	ExecutionsRunning  prometheus.Gauge
	AdmissionsRejected *prometheus.CounterVec

	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram

	// Node execution metrics
	NodeExecutionsTotal   *prometheus.CounterVec
	NodeExecutionDuration *prometheus.HistogramVec
	NodeRetriesTotal      prometheus.Counter

	// Event fan-out metrics
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
}

// New creates and registers all metrics on a fresh registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		TriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Trigger requests received by admission outcome",
		}, []string{"trigger_type", "outcome"}),

		AdmissionsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admissions_queued",
			Help:      "Trigger requests currently waiting in the admission queue",
		}),

		ExecutionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_running",
			Help:      "Executions currently admitted and running",
		}),

		AdmissionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_rejected_total",
			Help:      "Trigger requests rejected by reason",
		}, []string{"reason"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished executions by final status",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of finished executions",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),

		NodeExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Node executions by node type and status",
		}, []string{"node_type", "status"}),

		NodeExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Wall-clock duration of node executions",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"node_type"}),

		NodeRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Node execution retry attempts",
		}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published to the fan-out by type",
		}, []string{"type"}),

		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped due to slow subscribers",
		}),
	}

	registry.MustRegister(
		m.TriggersTotal,
		m.AdmissionsQueued,
		m.ExecutionsRunning,
		m.AdmissionsRejected,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.NodeExecutionsTotal,
		m.NodeExecutionDuration,
		m.NodeRetriesTotal,
		m.EventsPublished,
		m.EventsDropped,
	)

	return m
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
