// Package metrics exposes dirwatch's Prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tripwire/dirwatch/internal/event"
)

const namespace = "dirwatch"

// Metrics holds the poll-cycle collectors. It implements monitor.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	cycles           *prometheus.CounterVec
	events           *prometheus.CounterVec
	snapshotFailures *prometheus.CounterVec
	sinkFailures     *prometheus.CounterVec
	skipped          *prometheus.CounterVec
	entries          *prometheus.GaugeVec
	lastCycle        *prometheus.GaugeVec
	duration         *prometheus.HistogramVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a new registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed poll cycles.",
		}, []string{"target"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Change events detected, by kind and reason.",
		}, []string{"target", "kind", "reason"}),
		snapshotFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_failures_total",
			Help:      "Cycles skipped because the root could not be read.",
		}, []string{"target"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Cycles that at least one sink failed to record.",
		}, []string{"target"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_entries_total",
			Help:      "Entries left out of snapshots because of transient read errors.",
		}, []string{"target"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_entries",
			Help:      "Entries in the latest snapshot.",
		}, []string{"target"}),
		lastCycle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time of the latest completed cycle.",
		}, []string{"target"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent snapshotting, diffing and recording one cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"target"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.events, m.snapshotFailures, m.sinkFailures,
		m.skipped, m.entries, m.lastCycle, m.duration,
	)
	return m
}

// Registerer returns the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer { return m.registry }

// Gatherer returns the registry for reading collected values.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CycleCompleted records one completed cycle.
func (m *Metrics) CycleCompleted(target string, c event.Cycle, entries, skipped int, took time.Duration) {
	m.cycles.WithLabelValues(target).Inc()
	for _, e := range c.Events {
		reason := e.Reason.String()
		if reason == "" {
			reason = "none"
		}
		m.events.WithLabelValues(target, e.Kind.String(), reason).Inc()
	}
	m.skipped.WithLabelValues(target).Add(float64(skipped))
	m.entries.WithLabelValues(target).Set(float64(entries))
	m.lastCycle.WithLabelValues(target).Set(float64(c.Timestamp.Unix()))
	m.duration.WithLabelValues(target).Observe(took.Seconds())
}

// SnapshotFailed records a skipped cycle.
func (m *Metrics) SnapshotFailed(target string) {
	m.snapshotFailures.WithLabelValues(target).Inc()
}

// SinkFailed records a cycle not fully recorded.
func (m *Metrics) SinkFailed(target string) {
	m.sinkFailures.WithLabelValues(target).Inc()
}
