// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the pforte authentication core.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LatencyBuckets defines histogram buckets for request and identity
// provider latencies, ranging from 5ms to 10s.
var LatencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Circuit state gauge values.
const (
	CircuitClosedValue   = 0
	CircuitHalfOpenValue = 1
	CircuitOpenValue     = 2
)

var (
	// RequestsTotal counts all HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pforte_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pforte_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LatencyBuckets,
		},
		[]string{"method", "route"},
	)

	// InFlightRequests tracks requests currently being served.
	InFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pforte_requests_in_flight",
			Help: "In-flight requests",
		},
	)

	// AuthAttemptsTotal counts login attempts by outcome code.
	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pforte_auth_attempts_total",
			Help: "Authentication attempts",
		},
		[]string{"outcome"},
	)

	// TokensIssuedTotal counts issued token pairs by origin (login, refresh).
	TokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pforte_tokens_issued_total",
			Help: "Token pairs issued",
		},
		[]string{"origin"},
	)

	// TokenVerificationsTotal counts access token verifications by outcome.
	TokenVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pforte_token_verifications_total",
			Help: "Access token verifications",
		},
		[]string{"outcome"},
	)

	// TokenRotationsTotal counts refresh rotations by outcome.
	TokenRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pforte_token_rotations_total",
			Help: "Refresh token rotations",
		},
		[]string{"outcome"},
	)

	// TokenReuseDetectedTotal counts refresh chains revoked for reuse.
	TokenReuseDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pforte_token_reuse_detected_total",
			Help: "Refresh token reuse detections",
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pforte_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"scope"},
	)

	// QuotaDeniedTotal counts quota consumptions that were refused.
	QuotaDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pforte_quota_denied_total",
			Help: "Quota denials",
		},
		[]string{"resource"},
	)

	// CircuitState reports the breaker state per target (0 closed, 1 half-open, 2 open).
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pforte_circuit_state",
			Help: "Circuit breaker state",
		},
		[]string{"target"},
	)

	// CircuitTransitionsTotal counts breaker state changes.
	CircuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pforte_circuit_transitions_total",
			Help: "Circuit breaker transitions",
		},
		[]string{"target", "to"},
	)

	// DependencyLatency records identity provider call latency in seconds.
	DependencyLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pforte_dependency_latency_seconds",
			Help:    "Dependency call latency",
			Buckets: LatencyBuckets,
		},
		[]string{"target", "outcome"},
	)

	// TenantCacheTotal counts tenant registry lookups by result (hit, miss).
	TenantCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pforte_tenant_cache_total",
			Help: "Tenant cache lookups",
		},
		[]string{"result"},
	)

	// AuditDroppedTotal counts audit events dropped because the buffer was full.
	AuditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pforte_audit_dropped_total",
			Help: "Dropped audit events",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		InFlightRequests,
		AuthAttemptsTotal,
		TokensIssuedTotal,
		TokenVerificationsTotal,
		TokenRotationsTotal,
		TokenReuseDetectedTotal,
		RateLimitRejectedTotal,
		QuotaDeniedTotal,
		CircuitState,
		CircuitTransitionsTotal,
		DependencyLatency,
		TenantCacheTotal,
		AuditDroppedTotal,
	)
}
