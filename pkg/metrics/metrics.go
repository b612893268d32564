// Package metrics exposes build and maintenance counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imagebuild"

// Metrics groups every collector on one registry.
type Metrics struct {
	registry *prometheus.Registry

	Requests      *prometheus.CounterVec
	Builds        *prometheus.CounterVec
	BuildDuration prometheus.Histogram
	GCDeleted     prometheus.Counter
	Reclaimed     *prometheus.CounterVec
	Pending       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Build requests by cache outcome (hit, miss, pending, overload, invalid).",
		}, []string{"outcome"}),
		Builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Executed builds by outcome and version.",
		}, []string{"outcome", "version"}),
		BuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall clock time of executed builds.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		GCDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_deleted_total",
			Help:      "Unreferenced artifact directories removed.",
		}),
		Reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_reclaimed_bytes_total",
			Help:      "Bytes reclaimed from the container runtime by category.",
		}, []string{"kind"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Jobs waiting in the build queue.",
		}),
	}
	m.registry.MustRegister(m.Requests, m.Builds, m.BuildDuration, m.GCDeleted, m.Reclaimed, m.Pending)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Build(outcome, version string, took time.Duration) {
	if m == nil {
		return
	}
	m.Builds.WithLabelValues(outcome, version).Inc()
	m.BuildDuration.Observe(took.Seconds())
}

func (m *Metrics) Deleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.GCDeleted.Add(float64(n))
}

func (m *Metrics) Reclaim(kind string, bytes int64) {
	if m == nil || bytes < 0 {
		return
	}
	m.Reclaimed.WithLabelValues(kind).Add(float64(bytes))
}

func (m *Metrics) SetPending(n int64) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}
