// Package metrics exposes queue and enrichment state in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/curio/internal/store"
	"github.com/kalambet/curio/internal/syncq"
)

const namespace = "curio"

// Enrichment outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeBusy    = "busy"
)

// Sources are read at scrape time.
type Sources struct {
	QueueStats func() syncq.Stats
	Entities   func() int
	Now        func() time.Time
}

// Metrics owns a private registry; nothing is registered globally.
type Metrics struct {
	reg         *prometheus.Registry
	enrichments *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// New registers collectors reading from src. Nil sources are skipped.
func New(src Sources) *Metrics {
	if src.Now == nil {
		src.Now = time.Now
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		enrichments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "requests_total",
			Help:      "Enrichment generations by artifact kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "duration_seconds",
			Help:      "Producer call duration by artifact kind.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		m.enrichments,
		m.duration,
	)

	if src.QueueStats != nil {
		m.registerQueue(src.QueueStats, src.Now)
	}
	if src.Entities != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Entities held in the local store, tombstones included.",
		}, func() float64 { return float64(src.Entities()) }))
	}
	return m
}

func (m *Metrics) registerQueue(stats func() syncq.Stats, now func() time.Time) {
	gauge := func(name, help string, fn func(syncq.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync_queue", Name: name, Help: help,
		}, func() float64 { return fn(stats()) })
	}
	counter := func(name, help string, fn func(syncq.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync_queue", Name: name, Help: help,
		}, func() float64 { return float64(fn(stats())) })
	}

	m.reg.MustRegister(
		gauge("pending", "Ops waiting to be sent, in flight included.", func(s syncq.Stats) float64 { return float64(s.Pending) }),
		gauge("in_flight", "Ops currently being sent.", func(s syncq.Stats) float64 { return float64(s.InFlight) }),
		gauge("failed", "Ops that exhausted their retries.", func(s syncq.Stats) float64 { return float64(s.Failed) }),
		gauge("capacity", "Maximum number of queued keys.", func(s syncq.Stats) float64 { return float64(s.Capacity) }),
		gauge("oldest_age_seconds", "Age of the oldest queued op.", func(s syncq.Stats) float64 {
			if s.OldestEnqueuedAt.IsZero() {
				return 0
			}
			return now().Sub(s.OldestEnqueuedAt).Seconds()
		}),
		counter("enqueued_total", "Ops accepted as new queue entries.", func(s syncq.Stats) uint64 { return s.Enqueued }),
		counter("coalesced_total", "Ops that replaced a queued op for the same key.", func(s syncq.Stats) uint64 { return s.Coalesced }),
		counter("discarded_total", "Ops dropped by coalescing.", func(s syncq.Stats) uint64 { return s.Discarded }),
		counter("acked_total", "Ops acknowledged by the remote.", func(s syncq.Stats) uint64 { return s.Acked }),
		counter("retried_total", "Failed attempts scheduled for retry.", func(s syncq.Stats) uint64 { return s.Retried }),
		counter("exhausted_total", "Ops moved to the failed list.", func(s syncq.Stats) uint64 { return s.Exhausted }),
	)
}

// ObserveEnrichment records one finished generation.
func (m *Metrics) ObserveEnrichment(kind store.ArtifactKind, outcome string, took time.Duration) {
	m.enrichments.WithLabelValues(string(kind), outcome).Inc()
	if outcome == OutcomeSuccess || outcome == OutcomeFailure {
		m.duration.WithLabelValues(string(kind)).Observe(took.Seconds())
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
