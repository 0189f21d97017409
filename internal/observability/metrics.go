package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// Tracks:
//   - Routing decisions by path, model, and provenance
//   - Classifier call latency and outcomes
//   - Stream events sent to callers by kind
//   - Warm pool occupancy and sandbox lifecycle churn
//   - Backend call performance and token consumption
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordDecision("fast", "chat-basic", "classifier")
type Metrics struct {
	// DecisionCounter counts routing decisions.
	// Labels: path (fast|agent), model, source (hint|classifier|default|vision)
	DecisionCounter *prometheus.CounterVec

	// ClassifierDuration measures decision backend call latency in seconds.
	// Labels: outcome (ok|timeout|malformed|error)
	// Buckets chosen around the sub-second latency target.
	ClassifierDuration *prometheus.HistogramVec

	// StreamEventCounter counts events forwarded to callers.
	// Labels: kind (reasoning_delta|content_delta|artifact|keepalive|error|done)
	StreamEventCounter *prometheus.CounterVec

	// ActiveStreams is a gauge of currently open client streams.
	// Labels: path
	ActiveStreams *prometheus.GaugeVec

	// ExecutionDuration measures end-to-end execution time in seconds.
	// Labels: path, model, status (complete|error|cancelled|timeout)
	ExecutionDuration *prometheus.HistogramVec

	// BackendTokens tracks token consumption on fast-path backends.
	// Labels: provider, model, type (prompt|completion)
	BackendTokens *prometheus.CounterVec

	// PoolWarm is a gauge of warm sandboxes per flavor.
	PoolWarm *prometheus.GaugeVec

	// PoolAssigned is a gauge of assigned sandboxes per flavor.
	PoolAssigned *prometheus.GaugeVec

	// SandboxCreated counts sandbox creations.
	// Labels: flavor, reason (refill|cold)
	SandboxCreated *prometheus.CounterVec

	// SandboxTerminated counts sandbox terminations.
	// Labels: flavor, reason (failed|evicted|worn|drained)
	SandboxTerminated *prometheus.CounterVec

	// AcquireDuration measures pool acquire latency in seconds.
	// Labels: flavor, source (warm|cold)
	AcquireDuration *prometheus.HistogramVec

	// TaskRetryCounter counts sandbox task resubmissions after read timeouts.
	// Labels: flavor
	TaskRetryCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and code.
	// Labels: component (classifier|pool|fast|agent|mux|server), code
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
func NewMetrics() *Metrics {
	return &Metrics{
		DecisionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_decisions_total",
				Help: "Total number of routing decisions by path, model, and source",
			},
			[]string{"path", "model", "source"},
		),

		ClassifierDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_classifier_duration_seconds",
				Help:    "Duration of decision backend calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 5},
			},
			[]string{"outcome"},
		),

		StreamEventCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_stream_events_total",
				Help: "Total number of stream events forwarded to callers by kind",
			},
			[]string{"kind"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_active_streams",
				Help: "Current number of open client streams by path",
			},
			[]string{"path"},
		),

		ExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_execution_duration_seconds",
				Help:    "End-to-end execution duration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"path", "model", "status"},
		),

		BackendTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_backend_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		PoolWarm: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_pool_warm_sandboxes",
				Help: "Current number of warm sandboxes per flavor",
			},
			[]string{"flavor"},
		),

		PoolAssigned: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_pool_assigned_sandboxes",
				Help: "Current number of assigned sandboxes per flavor",
			},
			[]string{"flavor"},
		),

		SandboxCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_sandboxes_created_total",
				Help: "Total number of sandboxes created by flavor and reason",
			},
			[]string{"flavor", "reason"},
		),

		SandboxTerminated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_sandboxes_terminated_total",
				Help: "Total number of sandboxes terminated by flavor and reason",
			},
			[]string{"flavor", "reason"},
		),

		AcquireDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_pool_acquire_duration_seconds",
				Help:    "Duration of pool acquires in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"flavor", "source"},
		),

		TaskRetryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_task_retries_total",
				Help: "Total number of sandbox task resubmissions after read timeouts",
			},
			[]string{"flavor"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_errors_total",
				Help: "Total number of errors by component and code",
			},
			[]string{"component", "code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordDecision increments the decision counter.
func (m *Metrics) RecordDecision(path, model, source string) {
	m.DecisionCounter.WithLabelValues(path, model, source).Inc()
}

// RecordClassifier records the latency and outcome of a decision backend call.
func (m *Metrics) RecordClassifier(outcome string, durationSeconds float64) {
	m.ClassifierDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordStreamEvent increments the stream event counter for a kind.
func (m *Metrics) RecordStreamEvent(kind string) {
	m.StreamEventCounter.WithLabelValues(kind).Inc()
}

// StreamOpened increments the active stream gauge.
func (m *Metrics) StreamOpened(path string) {
	m.ActiveStreams.WithLabelValues(path).Inc()
}

// StreamClosed decrements the active stream gauge and records duration.
func (m *Metrics) StreamClosed(path, model, status string, durationSeconds float64) {
	m.ActiveStreams.WithLabelValues(path).Dec()
	m.ExecutionDuration.WithLabelValues(path, model, status).Observe(durationSeconds)
}

// RecordBackendTokens tracks token consumption for a fast-path call.
func (m *Metrics) RecordBackendTokens(provider, model string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		m.BackendTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.BackendTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// SetPoolGauges publishes warm and assigned counts for a flavor.
func (m *Metrics) SetPoolGauges(flavor string, warm, assigned int) {
	m.PoolWarm.WithLabelValues(flavor).Set(float64(warm))
	m.PoolAssigned.WithLabelValues(flavor).Set(float64(assigned))
}

// RecordSandboxCreated increments the creation counter.
func (m *Metrics) RecordSandboxCreated(flavor, reason string) {
	m.SandboxCreated.WithLabelValues(flavor, reason).Inc()
}

// RecordSandboxTerminated increments the termination counter.
func (m *Metrics) RecordSandboxTerminated(flavor, reason string) {
	m.SandboxTerminated.WithLabelValues(flavor, reason).Inc()
}

// RecordAcquire records a pool acquire.
func (m *Metrics) RecordAcquire(flavor, source string, durationSeconds float64) {
	m.AcquireDuration.WithLabelValues(flavor, source).Observe(durationSeconds)
}

// RecordTaskRetry increments the task resubmission counter.
func (m *Metrics) RecordTaskRetry(flavor string) {
	m.TaskRetryCounter.WithLabelValues(flavor).Inc()
}

// RecordError increments the error counter for a component and code.
func (m *Metrics) RecordError(component, code string) {
	m.ErrorCounter.WithLabelValues(component, code).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
