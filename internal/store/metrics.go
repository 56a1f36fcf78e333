// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tzervas/context-mcp/internal/entry"
)

const metricsNamespace = "context_store"

// metrics holds the store's Prometheus instruments. Each store registers on
// its own registry so tests and multiple stores never collide.
type metrics struct {
	puts              *prometheus.CounterVec
	evictions         prometheus.Counter
	entries           *prometheus.GaugeVec
	used              prometheus.Gauge
	queries           *prometheus.CounterVec
	retrievals        *prometheus.CounterVec
	retrievalLatency  prometheus.Histogram
	embedFailures     prometheus.Counter
	consolidations    *prometheus.CounterVec
	consolidatedItems *prometheus.CounterVec
	divergences       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		puts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "puts_total",
			Help:      "Put calls by result.",
		}, []string{"result"}), // ok, invalid, rejected, error

		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Entries evicted under capacity pressure.",
		}),

		entries: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "entries",
			Help:      "Live entries by tier.",
		}, []string{"tier"}),

		used: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "capacity_used",
			Help:      "Budget consumed, in entries or bytes depending on the capacity mode.",
		}),

		queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queries_total",
			Help:      "Structured queries by evaluation plan.",
		}, []string{"plan"}), // index, scan, error

		retrievals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retrievals_total",
			Help:      "Similarity retrievals by result.",
		}, []string{"result"}), // ok, empty, unavailable, error

		retrievalLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Retrieval latency including the query embedding.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		embedFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "embed_failures_total",
			Help:      "Writes committed without a vector because embedding failed.",
		}),

		consolidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "consolidation_passes_total",
			Help:      "Consolidation passes by result.",
		}, []string{"result"}),

		consolidatedItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "consolidation_steps_total",
			Help:      "Consolidation steps by outcome.",
		}, []string{"outcome"}), // promoted, merged, deferred

		divergences: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "index_divergences_total",
			Help:      "Queries halted because an index referenced a missing entry.",
		}),
	}
}

// observeLocked refreshes the gauges. The caller holds the store lock.
func (s *Store) observeLocked() {
	for _, t := range entry.Tiers {
		s.metrics.entries.WithLabelValues(string(t)).Set(float64(s.tierCounts[t]))
	}
	s.metrics.used.Set(float64(s.capacity.Used()))
}
