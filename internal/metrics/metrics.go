// Package metrics records per-run counters with Prometheus.
//
// Metrics live in a private registry rather than the default one so that
// several runs (and tests) in one process do not collide. A run can export its
// registry as a node_exporter textfile with WriteTextfile.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Task results.
const (
	ResultDownloaded = "downloaded"
	ResultSkipped    = "skipped"
	ResultFailed     = "failed"
)

// Discovery results.
const (
	DiscoveryFound = "found"
	DiscoveryMiss  = "miss"
	DiscoveryError = "error"
)

// Metrics holds the counters for one run. A nil *Metrics records nothing.
type Metrics struct {
	registry  *prometheus.Registry
	tasks     *prometheus.CounterVec
	discovery *prometheus.CounterVec
	bytes     prometheus.Counter
	duration  prometheus.Histogram
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imagetter",
			Name:      "tasks_total",
			Help:      "Artifacts processed, by result.",
		}, []string{"result"}),
		discovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imagetter",
			Name:      "checksum_discovery_total",
			Help:      "Checksum listing lookups, by result.",
		}, []string{"result"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imagetter",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written to disk from artifact downloads.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "imagetter",
			Name:      "task_duration_seconds",
			Help:      "Time spent fetching, verifying and unpacking one artifact.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
	}
	m.registry.MustRegister(m.tasks, m.discovery, m.bytes, m.duration)
	return m
}

// TaskDone records the result of one task and how long it took.
func (m *Metrics) TaskDone(result string, seconds float64) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(result).Inc()
	m.duration.Observe(seconds)
}

// Discovery records the result of one checksum lookup.
func (m *Metrics) Discovery(result string) {
	if m == nil {
		return
	}
	m.discovery.WithLabelValues(result).Inc()
}

// Bytes adds n downloaded bytes.
func (m *Metrics) Bytes(n int) {
	if m == nil {
		return
	}
	m.bytes.Add(float64(n))
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes all metrics to path in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
