package observability

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestRedactsAPIKeysInMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("provider rejected key sk-ant-REDACTED")

	out := buf.String()
	if strings.Contains(out, "sk-ant-") {
		t.Fatalf("api key leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker, got: %s", out)
	}
}

func TestRedactsStringAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "text", Output: &buf})

	logger.Warn("auth failed", "detail", "api_key=abcdef0123456789abcdef")

	if strings.Contains(buf.String(), "abcdef0123456789abcdef") {
		t.Fatalf("secret attr leaked: %s", buf.String())
	}
}

func TestRedactsErrorAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Error("call failed", "error", errWithSecret{})

	if strings.Contains(buf.String(), "sk-ant-") {
		t.Fatalf("secret error leaked: %s", buf.String())
	}
}

type errWithSecret struct{}

func (errWithSecret) Error() string {
	return "401 for key sk-ant-REDACTED"
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record emitted below warn level: %s", buf.String())
	}
	logger.Warn("visible")
	if buf.Len() == 0 {
		t.Fatal("warn record suppressed")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNoopTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown, err := NewTracer(context.Background(), TraceConfig{})
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	ctx, span := tracer.StartAgentRun(context.Background(), "valet", "cli")
	if ctx == nil || span == nil {
		t.Fatal("expected usable context and span")
	}
	EndSpan(span, nil)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordLLMRequest("anthropic", "m", "success", 0.1, 10, 5)
	m.RecordToolExecution("search", "success", 0.01)
	m.RecordEventSubmitted("message", "high", "queued")
	m.RecordEventProcessed("message", "success")
	m.SetQueueDepth(3)
	m.SetBudgetPressure(0.5)
	m.RecordWorkflowTransition("planning", "cancelled")
	m.RecordWorkflowTask("success")
}
