// Package observability provides Prometheus metrics instrumentation for the coreengine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// SESSION METRICS
// =============================================================================

var (
	sessionsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_sessions_started_total",
			Help: "Total number of agent sessions started",
		},
	)

	sessionsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_sessions_finished_total",
			Help: "Total number of agent sessions finished",
		},
		[]string{"status"}, // status: terminal reason
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcore_active_sessions",
			Help: "Number of sessions awaiting a resume",
		},
	)

	sessionIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentcore_session_iterations",
			Help:    "Iterations used by finished sessions",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)
)

// =============================================================================
// ROUTING METRICS
// =============================================================================

var (
	validationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_validation_failures_total",
			Help: "Total number of rejected model turns",
		},
		[]string{"kind"},
	)

	correlationMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_correlation_misses_total",
			Help: "Total number of resume messages for unknown sessions",
		},
	)

	channelMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_channel_messages_total",
			Help: "Total number of outbound messages per channel",
		},
		[]string{"channel"},
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcore_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentcore_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordSessionStarted records a new session entering the execution table.
func RecordSessionStarted() {
	sessionsStartedTotal.Inc()
	activeSessions.Inc()
}

// RecordSessionFinished records a session leaving the execution table.
func RecordSessionFinished(status string, iterations int) {
	sessionsFinishedTotal.WithLabelValues(status).Inc()
	sessionIterations.Observe(float64(iterations))
	activeSessions.Dec()
}

// RecordValidationFailure records a rejected model turn.
func RecordValidationFailure(kind string) {
	validationFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordCorrelationMiss records a resume for an unknown traceId.
func RecordCorrelationMiss() {
	correlationMissesTotal.Inc()
}

// RecordChannelMessage records one outbound message on channel.
func RecordChannelMessage(channel string) {
	channelMessagesTotal.WithLabelValues(channel).Inc()
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}

// GRPCRequestsTotal exposes the request counter for assertions in other packages.
func GRPCRequestsTotal() *prometheus.CounterVec {
	return grpcRequestsTotal
}
