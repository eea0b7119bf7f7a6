package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer) *Logger {
	t.Helper()
	return NewLogger(LogConfig{Level: "debug", Format: "json", Output: buf})
}

func TestLoggerRedactsAPIKeyInMessage(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	l.Info("request failed", "error", "api_key=sk-ant-"+strings.Repeat("a", 95)+" rejected")

	if strings.Contains(buf.String(), "sk-ant-") {
		t.Fatalf("log output leaked an anthropic key: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "[REDACTED]") {
		t.Fatalf("expected a redaction marker, got: %s", buf.String())
	}
}

func TestLoggerRedactsSensitiveMapKeys(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	l.Info("config loaded", "config", map[string]any{"password": "hunter2", "host": "example.com"})

	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("log output leaked a password field: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "example.com") {
		t.Fatalf("expected non-sensitive field to pass through: %s", buf.String())
	}
}

func TestLoggerWithContextAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	ctx := WithWorld(context.Background(), "world-1", "chat-1", "agent-1")
	l.WithContext(ctx).Info("hello")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("log line was not valid JSON: %v", err)
	}
	if decoded["world_id"] != "world-1" || decoded["chat_id"] != "chat-1" || decoded["agent_id"] != "agent-1" {
		t.Fatalf("got %+v, want correlation fields attached", decoded)
	}
}

func TestLoggerWithContextNoValuesIsNoop(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	got := l.WithContext(context.Background())
	if got != l {
		t.Fatal("expected WithContext to return the same logger when ctx carries no correlation values")
	}
}

func TestLogLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range cases {
		if got := LogLevelFromString(input); got != want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", input, got, want)
		}
	}
}
