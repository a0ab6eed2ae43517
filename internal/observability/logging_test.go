package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"api key", "api_key=abc123def456ghi789jkl"},
		{"anthropic key", "using sk-ant-" + strings.Repeat("a", 95)},
		{"bearer token", "Bearer abcdefghijklmnopqrstuvwxyz123456"},
		{"jwt", "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxMjM0In0.abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
			logger.Info(context.Background(), tt.msg)

			out := buf.String()
			if !strings.Contains(out, "[REDACTED]") {
				t.Errorf("expected redaction in output, got %q", out)
			}
		})
	}
}

func TestHandlerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	// Loggers built on Handler redact the same way as the Logger methods.
	log := slog.New(logger.Handler())
	log.Info("loaded credentials", "key", "api_key=abc123def456ghi789jkl")

	out := buf.String()
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction in output, got %q", out)
	}
	if strings.Contains(out, "abc123def456ghi789jkl") {
		t.Errorf("expected secret removed from output, got %q", out)
	}

	buf.Reset()
	log.With("token", "Bearer abcdefghijklmnopqrstuvwxyz123456").Info("request sent")
	if !strings.Contains(buf.String(), "[REDACTED]") {
		t.Errorf("expected redaction of pre-bound attrs, got %q", buf.String())
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	ctx := AddSessionID(context.Background(), "sess-123")
	ctx = AddTurnID(ctx, "turn-456")
	logger.Info(ctx, "processing turn")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if record["session_id"] != "sess-123" {
		t.Errorf("expected session_id sess-123, got %v", record["session_id"])
	}
	if record["turn_id"] != "turn-456" {
		t.Errorf("expected turn_id turn-456, got %v", record["turn_id"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug(context.Background(), "debug message")
	logger.Info(context.Background(), "info message")
	if buf.Len() != 0 {
		t.Errorf("expected no output below warn level, got %q", buf.String())
	}

	logger.Warn(context.Background(), "warn message")
	if !strings.Contains(buf.String(), "warn message") {
		t.Errorf("expected warn message in output, got %q", buf.String())
	}
}

func TestLoggerRedactsSensitiveMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info(context.Background(), "config loaded", "settings", map[string]any{
		"api_key": "super-secret-value",
		"host":    "localhost",
	})

	out := buf.String()
	if strings.Contains(out, "super-secret-value") {
		t.Errorf("expected api_key value redacted, got %q", out)
	}
	if !strings.Contains(out, "localhost") {
		t.Errorf("expected non-sensitive value preserved, got %q", out)
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.input); got != tt.want {
			t.Errorf("LogLevelFromString(%q): expected %v, got %v", tt.input, tt.want, got)
		}
	}
}
