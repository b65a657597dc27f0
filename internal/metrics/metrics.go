// Package metrics exports build outcomes as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gqlbuild/artifact"
	"gqlbuild/coordinator"
)

const namespace = "gqlbuild"

// BuildMetrics implements coordinator.Observer.
type BuildMetrics struct {
	buildDuration *prometheus.HistogramVec
	buildsTotal   *prometheus.CounterVec
	elements      prometheus.Gauge
	warnings      *prometheus.CounterVec
	cacheResults  *prometheus.CounterVec
}

var _ coordinator.Observer = (*BuildMetrics)(nil)

// New creates unregistered metrics.
func New() *BuildMetrics {
	return &BuildMetrics{
		buildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Duration of builds in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"kind", "result"},
		),
		buildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_total",
				Help:      "Total number of builds by kind and result.",
			},
			[]string{"kind", "result"},
		),
		elements: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "artifact_elements",
				Help:      "Number of elements in the current artifact.",
			},
		),
		warnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "build_warnings_total",
				Help:      "Total number of build warnings by code.",
			},
			[]string{"code"},
		),
		cacheResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "element_cache_total",
				Help:      "Elements served from cache (hit), compiled (miss) or carried over (skip).",
			},
			[]string{"result"},
		),
	}
}

// MustRegister registers the metrics with the given Prometheus registry.
func (m *BuildMetrics) MustRegister(registry prometheus.Registerer) {
	registry.MustRegister(m.buildDuration, m.buildsTotal, m.elements, m.warnings, m.cacheResults)
}

// ObserveBuild records one build outcome.
func (m *BuildMetrics) ObserveBuild(kind coordinator.Kind, d time.Duration, a *artifact.Artifact, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.buildDuration.WithLabelValues(string(kind), result).Observe(d.Seconds())
	m.buildsTotal.WithLabelValues(string(kind), result).Inc()
	if err != nil || a == nil {
		return
	}

	m.elements.Set(float64(len(a.Elements)))
	for _, w := range a.Report.Warnings {
		m.warnings.WithLabelValues(w.Code).Inc()
	}
	stats := a.Report.Stats
	m.cacheResults.WithLabelValues("hit").Add(float64(stats.Hits))
	m.cacheResults.WithLabelValues("miss").Add(float64(stats.Misses))
	m.cacheResults.WithLabelValues("skip").Add(float64(stats.Skips))
}
