package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info("calling provider", "auth", "Bearer abcdefghijklmnopqrstuvwxyz123456")

	out := buf.String()
	if strings.Contains(out, "abcdefghijklmnopqrstuvwxyz123456") {
		t.Fatalf("secret leaked into log: %s", out)
	}
	if !strings.Contains(out, redactedText) {
		t.Fatalf("expected redaction marker in %s", out)
	}
}

func TestNewLogger_ContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Output: &buf})

	ctx := AddTurnID(AddSessionID(context.Background(), "sess-1"), "turn-1")
	logger.InfoContext(ctx, "turn started")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("invalid json log: %v (%s)", err, buf.String())
	}
	if record["session_id"] != "sess-1" || record["turn_id"] != "turn-1" {
		t.Fatalf("missing context fields: %v", record)
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn record missing")
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := LogLevelFromString(in); got != want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextIDs(t *testing.T) {
	ctx := AddToolCallID(context.Background(), "call-1")
	if GetToolCallID(ctx) != "call-1" {
		t.Fatal("tool call id not round-tripped")
	}
	if GetSessionID(context.Background()) != "" {
		t.Fatal("expected empty session id")
	}
}
