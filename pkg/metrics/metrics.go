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

	// MessagesTotal tracks total messages persisted.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"message_type"},
	)

	// ReadReceiptsTotal tracks mark-as-read mutations that changed state.
	ReadReceiptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "read_receipts_total",
			Help: "Total unread-to-read transitions",
		},
	)

	// CallsActive tracks call sessions currently in the active state.
	CallsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calls_active",
			Help: "Number of active call sessions",
		},
	)

	// CallsTotal tracks call sessions by type and terminal outcome.
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calls_total",
			Help: "Total call sessions by outcome",
		},
		[]string{"call_type", "outcome"},
	)

	// CallDuration tracks finalized call durations.
	CallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "call_duration_seconds",
			Help:    "Finalized call duration in seconds",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"call_type"},
	)

	// SubscriptionsActive tracks live conversation subscriptions.
	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversation_subscriptions_active",
			Help: "Number of active conversation subscriptions",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// WSConnectionsActive tracks active call-update websocket connections.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active call-update websocket connections",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordCallEnd records the terminal outcome of a call session.
func RecordCallEnd(callType, outcome string, durationSec float64) {
	CallsTotal.WithLabelValues(callType, outcome).Inc()
	if outcome == "ended" {
		CallDuration.WithLabelValues(callType).Observe(durationSec)
	}
}
