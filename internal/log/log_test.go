package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json")

	logger.Debug("hidden")
	logger.Info("hello", "device", "/dev/video0")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Expected JSON output: %v", err)
	}
	if entry["msg"] != "hello" || entry["device"] != "/dev/video0" {
		t.Errorf("Unexpected entry: %v", entry)
	}
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug", "text")
	logger.Debug("visible")

	if !strings.Contains(buf.String(), "msg=visible") {
		t.Errorf("Expected text output, got %q", buf.String())
	}
}

func TestL(t *testing.T) {
	mu.Lock()
	logger = nil
	mu.Unlock()

	// 初期化前でも標準エラーへ出力するロガーを返す
	fallback := L()
	if fallback == nil {
		t.Fatal("Expected default logger")
	}
	if L() != fallback {
		t.Error("Expected fallback logger to be reused")
	}

	l := Init("debug", "text")
	if L() != l {
		t.Error("Expected L to return the initialized logger")
	}
}
