// Package observability holds the Prometheus metrics for the XP kernel,
// the DNA synchronizer and the store guard.
//
// All collectors register on the default registry through promauto and are
// served by the API's /metrics endpoint when metrics are enabled.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dnacore"

// ─── XP Kernel Metrics ──────────────────────────────────────────────────────

// XPCredits counts credit attempts that reached validation.
var XPCredits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "xp",
	Name:      "credits_total",
	Help:      "Credit attempts that reached validation, by source and outcome.",
}, []string{"source", "outcome"})

// XPRejections counts blocked credits by reason code.
var XPRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "xp",
	Name:      "rejections_total",
	Help:      "Blocked credit attempts by reason code.",
}, []string{"reason"})

// XPAwarded sums applied XP by source.
var XPAwarded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "xp",
	Name:      "awarded_total",
	Help:      "Total XP applied, by source.",
}, []string{"source"})

// XPConflicts counts version conflicts seen by the optimistic credit loop.
var XPConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "xp",
	Name:      "version_conflicts_total",
	Help:      "Version conflicts retried by the credit loop.",
})

// XPConflictExhausted counts credits abandoned after the retry limit.
var XPConflictExhausted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "xp",
	Name:      "conflicts_exhausted_total",
	Help:      "Credits that failed after exhausting conflict retries.",
})

// IntegrityFaults counts integrity faults raised by the kernel.
var IntegrityFaults = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "xp",
	Name:      "integrity_faults_total",
	Help:      "Integrity faults detected (xp regressions, ledger mismatches).",
})

// ─── Store Metrics ──────────────────────────────────────────────────────────

// StoreLatency tracks authoritative store call latency.
var StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "store",
	Name:      "call_latency_ms",
	Help:      "Authoritative store call latency in milliseconds.",
	Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 1000, 5000, 10000},
}, []string{"op"})

// StoreErrors counts failed store calls by operation.
var StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "store",
	Name:      "errors_total",
	Help:      "Failed authoritative store calls by operation.",
}, []string{"op"})

// CircuitBreakerState tracks the store guard breaker state.
var CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "circuit_breaker",
	Name:      "state",
	Help:      "Current circuit breaker state (0=closed, 1=half-open, 2=open).",
}, []string{"name"})

// CircuitBreakerTrips counts transitions into the open state.
var CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "circuit_breaker",
	Name:      "trips_total",
	Help:      "Total circuit breaker trips.",
}, []string{"name"})

// ObserveStoreCall records latency and failure of one store call.
func ObserveStoreCall(op string, start time.Time, err error) {
	StoreLatency.WithLabelValues(op).Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		StoreErrors.WithLabelValues(op).Inc()
	}
}

// ─── DNA Cache Metrics ──────────────────────────────────────────────────────

// CacheHits counts reads served from cache, including probe-confirmed hits.
var CacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "dna_cache",
	Name:      "hits_total",
	Help:      "DNA reads served from the local cache.",
})

// CacheMisses counts reads with no cache entry.
var CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "dna_cache",
	Name:      "misses_total",
	Help:      "DNA reads with no cache entry.",
})

// VersionProbes counts version probes by result (match, changed, failed).
var VersionProbes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "dna_cache",
	Name:      "version_probes_total",
	Help:      "Version probes by result.",
}, []string{"result"})

// OfflineFallbacks counts stale caches served because the store was down.
var OfflineFallbacks = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "dna_cache",
	Name:      "offline_fallbacks_total",
	Help:      "Stale cache entries served while the store was unreachable.",
})

// Emissions counts listener notifications by transition kind.
var Emissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "dna_cache",
	Name:      "emissions_total",
	Help:      "State transitions fanned out to listeners, by kind.",
}, []string{"kind"})

// ListenerPanics counts listener callbacks that panicked.
var ListenerPanics = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "dna_cache",
	Name:      "listener_panics_total",
	Help:      "Listener callbacks that panicked and were recovered.",
})

// CachedUsers tracks how many users currently have a cache entry.
var CachedUsers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "dna_cache",
	Name:      "entries",
	Help:      "Number of users with a cached DNA entry.",
})
