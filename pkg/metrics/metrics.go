// Package metrics exposes the Prometheus collectors for the restoration
// service. All collectors are registered on the default registry and
// served by the API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ModelCalls counts outbound model invocations by model id and outcome
	// (ok, budget_exceeded, timeout, model_error).
	ModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palimpsest_model_calls_total",
		Help: "Outbound model invocations by model and outcome.",
	}, []string{"model", "outcome"})

	// BudgetSpend mirrors today's ledger spend in currency units.
	BudgetSpend = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "palimpsest_budget_spend_usd",
		Help: "Recorded model spend for the current day.",
	})

	// CacheEvents counts dedup cache traffic (hit, miss, join, evict, abort).
	CacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palimpsest_cache_events_total",
		Help: "Dedup cache events by kind.",
	}, []string{"event"})

	// PipelineDuration observes end-to-end pipeline wall time.
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "palimpsest_pipeline_duration_seconds",
		Help:    "End-to-end pipeline duration.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	// ActivePipelines tracks concurrently running pipelines.
	ActivePipelines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "palimpsest_active_pipelines",
		Help: "Pipelines currently executing.",
	})
)
