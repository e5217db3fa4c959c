package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("association opened", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "association opened") {
		t.Errorf("expected output to contain message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected output to contain 'key=value', got: %s", output)
	}
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "json", &buf)

	logger.Info("association opened", "key", "value")

	output := buf.String()
	if !strings.Contains(output, `"msg":"association opened"`) {
		t.Errorf("expected JSON output with msg field, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Errorf("expected JSON output with key field, got: %s", output)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name         string
		configLevel  string
		logLevel     slog.Level
		shouldAppear bool
	}{
		{"debug at debug level", "debug", slog.LevelDebug, true},
		{"debug at info level", "info", slog.LevelDebug, false},
		{"info at info level", "info", slog.LevelInfo, true},
		{"info at warn level", "warn", slog.LevelInfo, false},
		{"error at warn level", "warn", slog.LevelError, true},
		{"warn at error level", "error", slog.LevelWarn, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(tc.configLevel, "text", &buf)

			logger.Log(nil, tc.logLevel, "test message")

			hasOutput := buf.Len() > 0
			if hasOutput != tc.shouldAppear {
				t.Errorf("level %s at config %s: expected shouldAppear=%v, got output=%v",
					tc.logLevel, tc.configLevel, tc.shouldAppear, hasOutput)
			}
		})
	}
}

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
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			result := parseLevel(tc.input)
			if result != tc.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tc.input, result, tc.expected)
			}
		})
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	if logger == nil {
		t.Fatal("NopLogger returned nil")
	}

	// Should not panic
	logger.Info("this should be discarded")
	logger.Error("this too")
}

func TestLoggerWithAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("datagram relayed",
		KeyAssociation, uint64(42),
		KeyClientAddr, "127.0.0.1:54321",
		KeyTargetAddr, "93.184.216.34:7",
	)

	output := buf.String()
	if !strings.Contains(output, "assoc_id=42") {
		t.Errorf("expected assoc_id attribute, got: %s", output)
	}
	if !strings.Contains(output, "client_addr=127.0.0.1:54321") {
		t.Errorf("expected client_addr attribute, got: %s", output)
	}
	if !strings.Contains(output, "target_addr=93.184.216.34:7") {
		t.Errorf("expected target_addr attribute, got: %s", output)
	}
}
