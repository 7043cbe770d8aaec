package scheduler

import (
	"os"
	"regexp"
	"strings"
)

var (
	errorMarkers = regexp.MustCompile(`(?i)error:|memoryerror|malloc|memory limit|oom-kill|out of memory|assertionerror`)
	oomMarkers   = regexp.MustCompile(`(?i)malloc|memoryerror|oom-kill|out of memory`)
)

// ParseStderr finds the line that best explains a failure. Lines are
// scanned from the bottom; the first one with an error or memory marker
// wins and oom reports whether it points to memory exhaustion. Without a
// marker the last non-empty line is returned, and "-" for empty output.
func ParseStderr(text string) (line string, oom bool) {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSpace(lines[i])
		if !errorMarkers.MatchString(l) {
			continue
		}
		oom = strings.HasSuffix(l, "memory limit at some point.") || oomMarkers.MatchString(l)
		return l, oom
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l, false
		}
	}
	return "-", false
}

// ReadErrorFile parses the stderr file at path. A missing file counts as
// empty output.
func ReadErrorFile(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "-", false
	}
	return ParseStderr(string(data))
}
