// Package logging provides structured logging for the relay.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger with the given level and format.
// Supported levels: debug, info, warn, error. Supported formats: text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging.
const (
	KeyComponent   = "component"
	KeyAssociation = "assoc_id"
	KeyControlID   = "control_id"
	KeyClientAddr  = "client_addr"
	KeyRelayAddr   = "relay_addr"
	KeyTargetAddr  = "target_addr"
	KeyRemoteAddr  = "remote_addr"
	KeyError       = "error"
	KeyCount       = "count"
	KeyDuration    = "duration"
)
