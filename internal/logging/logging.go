package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// DebugEnv turns on debug logging regardless of -v/-q.
const DebugEnv = "MYQUEUE_DEBUG"

// NewLogger creates a logger writing to stderr. stdout belongs to the
// command output (task lists, submission summaries).
//
// format: "text" (human-readable) or "json" (structured)
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to the given writer.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel converts a string log level to slog.Level.
// Returns slog.LevelWarn for unrecognized values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// LevelFromVerbosity maps the -v and -q counts to a level: warnings by
// default, -v for info, -vv for debug, -q for errors only. MYQUEUE_DEBUG
// forces debug.
func LevelFromVerbosity(verbose, quiet int) slog.Level {
	if os.Getenv(DebugEnv) != "" {
		return slog.LevelDebug
	}
	switch v := verbose - quiet; {
	case v >= 2:
		return slog.LevelDebug
	case v == 1:
		return slog.LevelInfo
	case v < 0:
		return slog.LevelError
	}
	return slog.LevelWarn
}
