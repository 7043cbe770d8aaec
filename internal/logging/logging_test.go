package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"msg=submitted", "task_id=17", "component=submitter"}},
		{"TEXT", []string{"msg=submitted"}},
		{"json", []string{`"msg":"submitted"`, `"task_id":17`, `"component":"submitter"`}},
		{"", []string{"msg=submitted"}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(slog.LevelInfo, tt.format, &buf).With("component", "submitter")
			logger.Info("submitted", "task_id", 17)
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("missing %q in %q", w, buf.String())
				}
			}
		})
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LevelFromVerbosity(0, 0), "text", &buf)

	logger.Info("queue opened")
	logger.Warn("ignoring drop file")

	if strings.Contains(buf.String(), "queue opened") {
		t.Errorf("info shown without -v: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "ignoring drop file") {
		t.Errorf("warning missing: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("discard logger enabled at debug")
	}
	logger.Error("dropped")
}

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"Info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelWarn,
		"":        slog.LevelWarn,
	} {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestLevelFromVerbosity(t *testing.T) {
	t.Setenv(DebugEnv, "")
	tests := []struct {
		verbose, quiet int
		want           slog.Level
	}{
		{0, 0, slog.LevelWarn},
		{1, 0, slog.LevelInfo},
		{2, 0, slog.LevelDebug},
		{3, 0, slog.LevelDebug},
		{0, 1, slog.LevelError},
		{1, 1, slog.LevelWarn},
	}
	for _, tt := range tests {
		if got := LevelFromVerbosity(tt.verbose, tt.quiet); got != tt.want {
			t.Errorf("LevelFromVerbosity(%d, %d) = %v, want %v", tt.verbose, tt.quiet, got, tt.want)
		}
	}
}

func TestLevelFromVerbosity_DebugEnv(t *testing.T) {
	t.Setenv(DebugEnv, "1")
	if got := LevelFromVerbosity(0, 2); got != slog.LevelDebug {
		t.Errorf("LevelFromVerbosity with %s = %v, want DEBUG", DebugEnv, got)
	}
}
