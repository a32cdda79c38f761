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
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMStreamDuration tracks LLM streaming response duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// SessionsOpen tracks conversations held in memory.
	SessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversation_sessions_open",
			Help: "Number of conversation sessions held in memory",
		},
	)

	// MessagesTotal tracks messages added to conversation trees.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages added to conversation trees",
		},
		[]string{"role"},
	)

	// BranchOperations counts edits, retries and sibling navigations.
	BranchOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branch_operations_total",
			Help: "Branch operations applied to conversation trees",
		},
		[]string{"op"},
	)

	// LocalWrites counts local cache writes by result.
	LocalWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persist_local_writes_total",
			Help: "Local cache writes of conversation records",
		},
		[]string{"result"},
	)

	// LocalWriteDuration tracks local cache write latency.
	LocalWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "persist_local_write_duration_seconds",
			Help:    "Local cache write duration in seconds",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// CloudSyncs counts cloud uploads by result.
	CloudSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persist_cloud_syncs_total",
			Help: "Cloud sync attempts of conversation records",
		},
		[]string{"result"},
	)

	// TitleGenerations counts title generation attempts by result.
	TitleGenerations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "title_generations_total",
			Help: "Conversation title generation attempts",
		},
		[]string{"result"},
	)

	// NavigationEffects counts go-to side effects dispatched to the host.
	NavigationEffects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navigation_effects_total",
			Help: "Navigation side effects dispatched",
		},
		[]string{"kind"},
	)

	// EventsPublished counts conversation events by type.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_events_total",
			Help: "Conversation events published",
		},
		[]string{"type"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
