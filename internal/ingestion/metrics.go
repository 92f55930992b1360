package ingestion

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for pipeline runs. A nil *Metrics
// records nothing.
type Metrics struct {
	messages      prometheus.Counter
	artifacts     *prometheus.CounterVec
	failures      *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec
	runs          *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors with reg, reusing collectors
// that are already registered under the same name.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		messages: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chanscrape",
			Subsystem: "pipeline",
			Name:      "messages_total",
			Help:      "Source messages processed.",
		})),
		artifacts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chanscrape",
			Subsystem: "pipeline",
			Name:      "artifacts_total",
			Help:      "Artifacts stored and registered, by label.",
		}, []string{"label"})),
		failures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chanscrape",
			Subsystem: "pipeline",
			Name:      "failures_total",
			Help:      "Recovered failures, by kind.",
		}, []string{"kind"})),
		storeDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chanscrape",
			Subsystem: "pipeline",
			Name:      "artifact_store_duration_seconds",
			Help:      "Time spent storing one artifact, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"protocol"})),
		runs: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chanscrape",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs, by final state.",
		}, []string{"state"})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) message() {
	if m == nil {
		return
	}
	m.messages.Inc()
}

func (m *Metrics) artifact(label string) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(label).Inc()
}

func (m *Metrics) failure(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeStore(protocol string, d time.Duration) {
	if m == nil {
		return
	}
	m.storeDuration.WithLabelValues(protocol).Observe(d.Seconds())
}

func (m *Metrics) run(state string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(state).Inc()
}
