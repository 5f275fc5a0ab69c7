package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the adapter
type Metrics struct {
	ChatRequests       *prometheus.CounterVec
	ChatRequestLatency prometheus.Histogram
	ChatErrors         *prometheus.CounterVec
	UpstreamFrames     *prometheus.CounterVec
	ToolDecisions      *prometheus.CounterVec
	SessionsCreated    prometheus.Counter
	SessionsDestroyed  *prometheus.CounterVec
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics(pool *SessionPool) *Metrics {
	metrics := &Metrics{
		ChatRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "companionbridge_chat_requests_total",
			Help: "Total number of chat completion requests by mode",
		}, []string{"mode"}), // "stream" or "json"

		ChatRequestLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "companionbridge_chat_request_duration_seconds",
			Help:    "Chat completion request latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900}, // agent turns can run minutes
		}),

		ChatErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "companionbridge_chat_errors_total",
			Help: "Total number of chat request errors by type",
		}, []string{"error_type"}),

		UpstreamFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "companionbridge_upstream_frames_total",
			Help: "Total number of Companion frames consumed by type",
		}, []string{"frame_type"}),

		ToolDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "companionbridge_tool_decisions_total",
			Help: "Total number of tool policy decisions by action",
		}, []string{"action"}),

		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "companionbridge_sessions_created_total",
			Help: "Total number of upstream sessions created",
		}),

		SessionsDestroyed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "companionbridge_sessions_destroyed_total",
			Help: "Total number of upstream sessions destroyed by reason",
		}, []string{"reason"}),
	}

	// Pool size tracked live from the pool itself
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "companionbridge_sessions_active",
			Help: "Current number of pooled upstream sessions",
		},
		func() float64 {
			if pool != nil {
				return float64(pool.Count())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordChatRequest records a chat request
func (m *Metrics) RecordChatRequest(mode string) {
	m.ChatRequests.WithLabelValues(mode).Inc()
}

// RecordChatLatency records chat request latency
func (m *Metrics) RecordChatLatency(seconds float64) {
	m.ChatRequestLatency.Observe(seconds)
}

// RecordChatError records a chat error
func (m *Metrics) RecordChatError(errorType string) {
	m.ChatErrors.WithLabelValues(errorType).Inc()
}

// RecordUpstreamFrame records a consumed Companion frame
func (m *Metrics) RecordUpstreamFrame(frameType string) {
	m.UpstreamFrames.WithLabelValues(frameType).Inc()
}

// RecordToolDecision records a tool policy decision
func (m *Metrics) RecordToolDecision(action string) {
	m.ToolDecisions.WithLabelValues(action).Inc()
}

// RecordSessionCreated records an upstream session creation
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed records an upstream session teardown
func (m *Metrics) RecordSessionDestroyed(reason string) {
	m.SessionsDestroyed.WithLabelValues(reason).Inc()
}
