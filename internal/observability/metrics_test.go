package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTurn(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordTurn("native", "completed", 1.5)
	m.RecordTurn("native", "completed", 0.5)
	m.RecordTurn("acp", "cancelled", 2)

	expected := `
		# HELP conductor_turns_total Total number of finished turns by backend and outcome
		# TYPE conductor_turns_total counter
		conductor_turns_total{backend="acp",outcome="cancelled"} 1
		conductor_turns_total{backend="native",outcome="completed"} 2
	`
	if err := testutil.CollectAndCompare(m.TurnCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
	if count := testutil.CollectAndCount(m.TurnDuration); count != 2 {
		t.Errorf("Expected 2 histogram series, got %d", count)
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordLLMRequest("anthropic", "claude", "success", 1.2, 100, 40)
	m.RecordLLMRequest("anthropic", "claude", "error", 0.3, 0, 0)

	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude", "prompt")); got != 100 {
		t.Errorf("prompt tokens = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude", "completion")); got != 40 {
		t.Errorf("completion tokens = %v, want 40", got)
	}
	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("anthropic", "claude", "error")); got != 1 {
		t.Errorf("error requests = %v, want 1", got)
	}
}

func TestRecordPermissionAndTools(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPermission("write", "granted", "user")
	m.RecordPermission("read", "granted", "batch")
	m.RecordPermission("read", "granted", "batch")
	m.RecordToolExecution("read_file", "builtin", "success", 0.01)
	m.RecordOutputProtection("truncated")
	m.RecordProcessKill("acp")

	if got := testutil.ToFloat64(m.PermissionDecisions.WithLabelValues("read", "granted", "batch")); got != 2 {
		t.Errorf("batch grants = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("read_file", "builtin", "success")); got != 1 {
		t.Errorf("tool executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ProcessKills.WithLabelValues("acp")); got != 1 {
		t.Errorf("process kills = %v, want 1", got)
	}
}

func TestActiveSessions(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTurn("native", "completed", 1)
	m.RecordToolExecution("x", "y", "success", 1)
	m.RecordPermission("read", "granted", "auto")
	m.RecordContextTruncation("pairs")
	m.RecordOutputProtection("truncated")
	m.RecordProcessKill("mcp")
	m.SessionOpened()
	m.SessionClosed()
	m.RecordError("loop", "stream")
}
