package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentguard_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contentguard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPThrottledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentguard_http_throttled_total",
			Help: "Requests answered with 429 by route.",
		},
		[]string{"path"},
	)

	LedgerDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentguard_ledger_decisions_total",
			Help: "Usage ledger admission decisions by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)

	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentguard_analyses_total",
			Help: "Completed analysis requests by tier and status.",
		},
		[]string{"tier", "status"},
	)

	TruncationAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contentguard_truncation_attempts",
			Help:    "Provider attempts needed per analysis.",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"tier"},
	)

	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contentguard_provider_request_duration_seconds",
			Help:    "Model provider call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ProviderBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contentguard_provider_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
		},
		[]string{"provider"},
	)

	UsageEventsPersisted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contentguard_usage_events_persisted_total",
			Help: "Usage events written by the audit consumer.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPThrottledTotal,
		LedgerDecisionsTotal,
		AnalysesTotal,
		TruncationAttempts,
		ProviderRequestDuration,
		ProviderBreakerState,
		UsageEventsPersisted,
	)
}
