// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RetryAttemptsTotal counts retry directives by mode and outcome.
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_retry_attempts_total",
			Help: "Retry attempts by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// RetryDuration tracks how long one retry directive takes end to end.
	RetryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_retry_duration_seconds",
			Help:    "Retry directive duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"mode"},
	)

	// BatchSubmitDuration tracks remote API submission duration.
	BatchSubmitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_batch_submit_duration_seconds",
			Help:    "Remote API submission duration",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"provider", "status"},
	)

	// BatchMessagesTotal counts messages aggregated into request tasks.
	BatchMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_batch_messages_total",
			Help: "Messages aggregated into request tasks",
		},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// FailedMessagesTotal counts recorded submission failures by class.
	FailedMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_failed_messages_total",
			Help: "Recorded submission failures",
		},
		[]string{"error_class"},
	)

	// DispatchTotal counts enqueue calls on the dispatch gateway.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_total",
			Help: "Work units enqueued by kind and result",
		},
		[]string{"backend", "kind", "result"},
	)

	// WorkerHandledTotal counts work units consumed by workers.
	WorkerHandledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_worker_handled_total",
			Help: "Work units handled by kind and result",
		},
		[]string{"kind", "result"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRetry records the outcome of one retry directive.
func RecordRetry(mode, outcome string, duration float64) {
	RetryAttemptsTotal.WithLabelValues(mode, outcome).Inc()
	RetryDuration.WithLabelValues(mode).Observe(duration)
}

// RecordSubmission records one remote API submission.
func RecordSubmission(provider, model, status string, duration float64, tokensIn, tokensOut int) {
	BatchSubmitDuration.WithLabelValues(provider, status).Observe(duration)
	if tokensIn > 0 || tokensOut > 0 {
		LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
		LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
	}
}
