package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "json", slog.LevelInfo)

	logger.Info("model loaded", "classes", 42)

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v\noutput: %s", err, buf.String())
	}
	if m["msg"] != "model loaded" {
		t.Errorf("expected msg 'model loaded', got %q", m["msg"])
	}
	if m["classes"] != float64(42) {
		t.Errorf("expected classes 42, got %v", m["classes"])
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "TEXT", slog.LevelInfo)

	logger.Info("warmup", "loaded", true)

	out := buf.String()
	if !strings.Contains(out, "msg=warmup") {
		t.Errorf("expected text output containing msg, got: %s", out)
	}
	if !strings.Contains(out, "loaded=true") {
		t.Errorf("expected text output containing loaded=true, got: %s", out)
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "json", slog.LevelWarn)

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info record to be filtered at warn level, got: %s", buf.String())
	}
}
