// Package monitoring holds the Prometheus metric registry and the OTLP
// tracing setup. Everything is registered through promauto, so importing the
// package is enough to expose the series on /metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmrelay_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmrelay_http_inflight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_upstream_requests_total",
			Help: "Total number of upstream API requests",
		},
		[]string{"provider", "status_class"},
	)

	// PoolCredentials tracks pool bucket sizes; bucket is valid, exhausted
	// or invalid.
	PoolCredentials = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmrelay_pool_credentials",
			Help: "Number of credentials per pool and bucket",
		},
		[]string{"pool", "bucket"},
	)

	TokensUsedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_tokens_used_total",
			Help: "Total number of tokens accounted per model family",
		},
		[]string{"family", "type"},
	)

	AntiTruncationAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_anti_truncation_attempts_total",
			Help: "Total number of anti-truncation continuation attempts",
		},
		[]string{"path"},
	)

	StopSequenceMatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmrelay_stop_sequence_matches_total",
			Help: "Total number of client stop sequences matched mid-stream",
		},
	)

	RateLimitKeysGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmrelay_ratelimit_keys",
			Help: "Current number of per-key rate limiters",
		},
	)

	RateLimitSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmrelay_ratelimit_sweeps_total",
			Help: "Total number of rate limiter TTL cache sweeps",
		},
	)
)

// StatusClass buckets a status code into 2xx/4xx/5xx style labels.
func StatusClass(code int) string {
	switch {
	case code <= 0:
		return "error"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// RecordUpstream counts one upstream round trip.
func RecordUpstream(provider string, status int) {
	UpstreamRequestsTotal.WithLabelValues(provider, StatusClass(status)).Inc()
}

// SetPoolGauges publishes one pool snapshot.
func SetPoolGauges(pool string, valid, exhausted, invalid int) {
	PoolCredentials.WithLabelValues(pool, "valid").Set(float64(valid))
	PoolCredentials.WithLabelValues(pool, "exhausted").Set(float64(exhausted))
	PoolCredentials.WithLabelValues(pool, "invalid").Set(float64(invalid))
}
