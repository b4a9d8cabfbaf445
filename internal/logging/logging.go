// Package logging provides structured logging for bzconnect.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger writing to stderr.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a structured logger with a custom writer.
// Interactive shells pass a log file here so that log lines never land
// in the middle of the remote terminal output.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
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

// ParseLevel converts a string log level to slog.Level.
// Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
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

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}

// Common attribute keys for consistent logging.
const (
	KeyComponent    = "component"
	KeyConnectionID = "connection_id"
	KeyTargetID     = "target_id"
	KeyTargetName   = "target_name"
	KeyTargetUser   = "target_user"
	KeyAgentVersion = "agent_version"
	KeyEvent        = "event"
	KeyState        = "state"
	KeyMethod       = "method"
	KeyAction       = "action"
	KeyURL          = "url"
	KeyAttempt      = "attempt"
	KeyError        = "error"
	KeyDuration     = "duration"
	KeyBytes        = "bytes"
	KeyCount        = "count"
	KeyLocalAddr    = "local_addr"
	KeyRemoteAddr   = "remote_addr"
)
