// Package metrics defines the gateway's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webai_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"endpoint", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webai_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"endpoint", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webai_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"model", "type"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webai_rate_limit_denials_total",
			Help: "Requests denied by the rate limiter",
		},
		[]string{"endpoint"},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webai_auth_failures_total",
			Help: "Requests rejected for a missing or invalid API key",
		},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webai_upstream_errors_total",
			Help: "Failed upstream generation calls",
		},
		[]string{"kind"},
	)

	SessionRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webai_session_refreshes_total",
			Help: "Session cookie refresh attempts",
		},
		[]string{"result"},
	)
)

// RecordUsage tracks token throughput for one completed generation.
func RecordUsage(model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
}
