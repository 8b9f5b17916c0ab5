package download

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/provide-io/kiln/internal/kilnerr"
)

// Task outcomes reported to a MetricsCollector.
const (
	OutcomeFetched = "fetched"
	OutcomeSkipped = "skipped"
	OutcomeShared  = "shared"
	OutcomeFailed  = "failed"
)

// MetricsCollector receives orchestrator events.
type MetricsCollector interface {
	// TaskFinished records a task reaching a terminal outcome.
	TaskFinished(outcome string, duration time.Duration)

	// TaskRetried records a retry after a failed attempt.
	TaskRetried(cause kilnerr.Cause, delay time.Duration)

	// BytesTransferred records bytes received from the network.
	BytesTransferred(n int64)

	// ActiveTasks tracks in-flight tasks.
	ActiveTasks(delta int)
}

// NewNoopMetricsCollector returns a collector that discards everything.
func NewNoopMetricsCollector() MetricsCollector {
	return noopMetricsCollector{}
}

type noopMetricsCollector struct{}

func (noopMetricsCollector) TaskFinished(string, time.Duration)        {}
func (noopMetricsCollector) TaskRetried(kilnerr.Cause, time.Duration) {}
func (noopMetricsCollector) BytesTransferred(int64)                   {}
func (noopMetricsCollector) ActiveTasks(int)                          {}

// PrometheusMetricsCollector implements MetricsCollector with Prometheus
// metrics on a private registry.
type PrometheusMetricsCollector struct {
	tasks    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	retries  *prometheus.CounterVec
	backoff  prometheus.Histogram
	bytes    prometheus.Counter
	active   prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a collector under namespace
// (default "kiln").
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "kiln"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.tasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "tasks_total",
			Help:      "Total number of download tasks by outcome",
		},
		[]string{"outcome"},
	)

	pmc.duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "task_duration_seconds",
			Help:      "Duration of download tasks",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	pmc.retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "retries_total",
			Help:      "Total number of retried download attempts by cause",
		},
		[]string{"cause"},
	)

	pmc.backoff = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "backoff_duration_seconds",
			Help:      "Delay before retried download attempts",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		},
	)

	pmc.bytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Total bytes received",
		},
	)

	pmc.active = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "active_tasks",
			Help:      "Download tasks currently in flight",
		},
	)

	pmc.registry.MustRegister(
		pmc.tasks,
		pmc.duration,
		pmc.retries,
		pmc.backoff,
		pmc.bytes,
		pmc.active,
	)

	return pmc
}

// TaskFinished implements MetricsCollector.
func (p *PrometheusMetricsCollector) TaskFinished(outcome string, duration time.Duration) {
	p.tasks.WithLabelValues(outcome).Inc()
	p.duration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// TaskRetried implements MetricsCollector.
func (p *PrometheusMetricsCollector) TaskRetried(cause kilnerr.Cause, delay time.Duration) {
	p.retries.WithLabelValues(string(cause)).Inc()
	p.backoff.Observe(delay.Seconds())
}

// BytesTransferred implements MetricsCollector.
func (p *PrometheusMetricsCollector) BytesTransferred(n int64) {
	p.bytes.Add(float64(n))
}

// ActiveTasks implements MetricsCollector.
func (p *PrometheusMetricsCollector) ActiveTasks(delta int) {
	p.active.Add(float64(delta))
}

// Registry returns the registry holding the collector's metrics.
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

// WriteTextfile writes the current metrics in the text exposition format,
// suitable for the node exporter's textfile collector.
func (p *PrometheusMetricsCollector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, p.registry)
}
