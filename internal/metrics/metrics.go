package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ── HTTP request metrics (RED method) ──────────────────────────────────

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yield_loops",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "path", "status_code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "yield_loops",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"method", "path"})

	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "yield_loops",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of HTTP requests currently being processed.",
	})
)

// ── Cache metrics ──────────────────────────────────────────────────────

var (
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yield_loops",
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Cache lookups per namespace by result (memory_hit, store_hit, miss, forced).",
	}, []string{"namespace", "result"})

	CacheProducerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yield_loops",
		Subsystem: "cache",
		Name:      "producer_errors_total",
		Help:      "Cache misses whose producer failed.",
	}, []string{"namespace"})

	CacheStoreWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yield_loops",
		Subsystem: "cache",
		Name:      "store_write_failures_total",
		Help:      "Failed background writes to the persistent tier.",
	}, []string{"namespace"})
)

// ── Adapter / enrichment metrics ───────────────────────────────────────

var (
	AdapterDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "yield_loops",
		Subsystem: "adapter",
		Name:      "duration_seconds",
		Help:      "Duration of one adapter search in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"protocol"})

	AdapterLoops = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "yield_loops",
		Subsystem: "adapter",
		Name:      "loops",
		Help:      "Number of loops produced by the last adapter search.",
	}, []string{"protocol"})

	AdapterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yield_loops",
		Subsystem: "adapter",
		Name:      "errors_total",
		Help:      "Adapter searches that failed and contributed no loops.",
	}, []string{"protocol"})

	EnrichmentLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yield_loops",
		Subsystem: "enrichment",
		Name:      "lookups_total",
		Help:      "Token yield lookups by source (pendle_pt, pendle_lp, defillama, none) and result.",
	}, []string{"source", "result"})
)

// ── Refresh metrics ────────────────────────────────────────────────────

var (
	RefreshLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "yield_loops",
		Subsystem: "refresh",
		Name:      "last_success_timestamp",
		Help:      "Unix timestamp of the last completed refresh.",
	})

	RefreshRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "yield_loops",
		Subsystem: "refresh",
		Name:      "rows",
		Help:      "Rows written per protocol by the last refresh.",
	}, []string{"protocol"})
)
