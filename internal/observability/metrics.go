package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting orchestrator metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Turn outcomes and durations
//   - Model stream performance and token usage
//   - Tool execution patterns and latencies
//   - Permission decisions by how they were reached
//   - Context truncation, output offload and process kills
//
// All methods are safe on a nil *Metrics, which records nothing.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordTurn("completed", time.Since(start).Seconds())
type Metrics struct {
	// TurnCounter counts finished turns.
	// Labels: backend (native|acp), outcome (completed|cancelled|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures wall time per turn in seconds.
	// Labels: backend
	TurnDuration *prometheus.HistogramVec

	// LLMRequestDuration measures model stream latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model streams.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, owner, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// PermissionDecisions counts resolved permission requests.
	// Labels: permission_type, decision (granted|denied), via (auto|user|batch|remembered)
	PermissionDecisions *prometheus.CounterVec

	// ContextTruncations counts context builds that had to drop or compress.
	// Labels: stage (pairs|images|compress|minimal)
	ContextTruncations *prometheus.CounterVec

	// ToolOutputProtections counts protected outputs.
	// Labels: action (truncated|offloaded|repaired|fallback)
	ToolOutputProtections *prometheus.CounterVec

	// ProcessKills counts external processes that ignored a terminate signal.
	// Labels: kind (mcp|acp)
	ProcessKills *prometheus.CounterVec

	// ActiveSessions is a gauge of open sessions.
	ActiveSessions prometheus.Gauge

	// ErrorCounter tracks errors by type and component.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_turns_total",
				Help: "Total number of finished turns by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_turn_duration_seconds",
				Help:    "Wall time of turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
			},
			[]string{"backend"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_llm_request_duration_seconds",
				Help:    "Duration of model streams in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_llm_requests_total",
				Help: "Total number of model streams by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tool_executions_total",
				Help: "Total number of tool executions by tool, owner and status",
			},
			[]string{"tool_name", "owner", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		PermissionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_permission_decisions_total",
				Help: "Resolved permission requests by type, decision and how they were reached",
			},
			[]string{"permission_type", "decision", "via"},
		),

		ContextTruncations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_context_truncations_total",
				Help: "Context builds that dropped or compressed history, by stage",
			},
			[]string{"stage"},
		),

		ToolOutputProtections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tool_output_protections_total",
				Help: "Tool outputs and arguments altered by protection, by action",
			},
			[]string{"action"},
		),

		ProcessKills: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_process_kills_total",
				Help: "External processes force-killed after ignoring terminate",
			},
			[]string{"kind"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_active_sessions",
				Help: "Current number of open sessions",
			},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(backend, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(backend, outcome).Inc()
	m.TurnDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// RecordLLMRequest records metrics for a model stream.
//
// Example:
//
//	start := time.Now()
//	// ... consume stream ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4", "success", time.Since(start).Seconds(), 100, 500)
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, owner, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, owner, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordPermission records a resolved permission request.
func (m *Metrics) RecordPermission(permissionType, decision, via string) {
	if m == nil {
		return
	}
	m.PermissionDecisions.WithLabelValues(permissionType, decision, via).Inc()
}

// RecordContextTruncation records a context reduction stage.
func (m *Metrics) RecordContextTruncation(stage string) {
	if m == nil {
		return
	}
	m.ContextTruncations.WithLabelValues(stage).Inc()
}

// RecordOutputProtection records a protection action on tool input or output.
func (m *Metrics) RecordOutputProtection(action string) {
	if m == nil {
		return
	}
	m.ToolOutputProtections.WithLabelValues(action).Inc()
}

// RecordProcessKill records a forced process kill.
func (m *Metrics) RecordProcessKill(kind string) {
	if m == nil {
		return
	}
	m.ProcessKills.WithLabelValues(kind).Inc()
}

// SessionOpened increments the active sessions gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active sessions gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// RecordError increments the error counter for a given component and error type.
//
// Example:
//
//	metrics.RecordError("loop", "stream")
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
