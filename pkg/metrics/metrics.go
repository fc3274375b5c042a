// Package metrics exposes engine counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
)

const namespace = "synergy"

// Metrics implements the pipeline and cache observer hooks. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	cacheRequests  *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	stageTotal     *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	runTotal       *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	weightVersion  prometheus.Gauge
	gatherer       prometheus.Gatherer
}

// NewMetrics creates and registers the collectors on reg. A nil reg uses the
// default Prometheus registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}

	m := &Metrics{
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by cache name and result.",
		}, []string{"cache", "result"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries evicted to stay within cache capacity.",
		}, []string{"cache"}),
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_total",
			Help:      "Completed pipeline stages by run kind, stage and status.",
		}, []string{"kind", "stage", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage durations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "stage"}),
		runTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed runs by kind and status.",
		}, []string{"kind", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Run durations by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),
		weightVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "weight_version",
			Help:      "Version of the scoring weight vector in use.",
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.cacheRequests,
		m.cacheEvictions,
		m.stageTotal,
		m.stageDuration,
		m.runTotal,
		m.runDuration,
		m.weightVersion,
	)

	return m
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheHit(name string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(name, "hit").Inc()
}

func (m *Metrics) CacheMiss(name string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(name, "miss").Inc()
}

func (m *Metrics) CacheEviction(name string) {
	if m == nil {
		return
	}
	m.cacheEvictions.WithLabelValues(name).Inc()
}

func (m *Metrics) StageCompleted(kind types.RunKind, stage string, status types.RunStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageTotal.WithLabelValues(string(kind), stage, string(status)).Inc()
	if status != types.RunSkipped {
		m.stageDuration.WithLabelValues(string(kind), stage).Observe(duration.Seconds())
	}
}

func (m *Metrics) RunCompleted(kind types.RunKind, status types.RunStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.runTotal.WithLabelValues(string(kind), string(status)).Inc()
	m.runDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func (m *Metrics) WeightVersion(version int) {
	if m == nil {
		return
	}
	m.weightVersion.Set(float64(version))
}
