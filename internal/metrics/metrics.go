// Package metrics registers encapure's Prometheus instrumentation,
// grouped by subsystem the way the pack's provider metrics are
// grouped: one counter/histogram var block per component, plus small
// Record* helpers so callers never touch a prometheus type directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "encapure"

var (
	searchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "requests_total",
		Help:      "Total search requests by outcome",
	}, []string{"outcome"})

	searchLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "latency_seconds",
		Help:      "End-to-end search call latency",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"outcome"})

	sessionPermitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "permit_wait_seconds",
		Help:      "Time spent waiting for a permit/session lease",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"engine"})

	sessionBlacklistedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "blacklisted_total",
		Help:      "Sessions permanently removed from rotation after repeated failures",
	}, []string{"engine"})

	biencoderInferenceSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "biencoder",
		Name:      "inference_seconds",
		Help:      "Bi-encoder embedding batch latency",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{})

	crossencoderInferenceSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "crossencoder",
		Name:      "inference_seconds",
		Help:      "Cross-encoder scoring batch latency",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{})

	storeTopNSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "top_n_seconds",
		Help:      "Embedding table top-N scan latency",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05},
	}, []string{})

	storeCacheOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "cache_outcome_total",
		Help:      "Embedding cache load outcomes at startup",
	}, []string{"outcome"}) // hit, miss (a corrupt cache counts as a miss)
)

// RecordSearch records one completed search call's latency and outcome
// ("ok", "validation", "model", "resource", "persistence" — the
// taxonomy encapure's error handling design uses).
func RecordSearch(outcome string, d time.Duration) {
	searchRequestsTotal.WithLabelValues(outcome).Inc()
	searchLatencySeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordPermitWait records how long a caller waited for a session lease
// from the named engine ("biencoder" or "crossencoder").
func RecordPermitWait(engine string, d time.Duration) {
	sessionPermitWaitSeconds.WithLabelValues(engine).Observe(d.Seconds())
}

// RecordSessionBlacklisted increments the blacklist counter for engine.
func RecordSessionBlacklisted(engine string) {
	sessionBlacklistedTotal.WithLabelValues(engine).Inc()
}

// RecordBiencoderInference records one bi-encoder batch's latency.
func RecordBiencoderInference(d time.Duration) {
	biencoderInferenceSeconds.WithLabelValues().Observe(d.Seconds())
}

// RecordCrossencoderInference records one cross-encoder batch's latency.
func RecordCrossencoderInference(d time.Duration) {
	crossencoderInferenceSeconds.WithLabelValues().Observe(d.Seconds())
}

// RecordTopN records one embedding-table scan's latency.
func RecordTopN(d time.Duration) {
	storeTopNSeconds.WithLabelValues().Observe(d.Seconds())
}

// RecordCacheOutcome records the startup embedding-cache load result.
func RecordCacheOutcome(outcome string) {
	storeCacheOutcomeTotal.WithLabelValues(outcome).Inc()
}
