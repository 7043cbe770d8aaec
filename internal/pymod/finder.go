// Package pymod decides whether a dotted name is an importable Python
// module by asking the configured interpreter.
package pymod

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const probe = `import sys, importlib.util
try:
    ok = importlib.util.find_spec(sys.argv[1]) is not None
except (ImportError, ValueError):
    ok = False
sys.exit(0 if ok else 1)
`

// Finder answers IsModule queries and caches the answers.
type Finder struct {
	python  string
	timeout time.Duration
	logger  *slog.Logger
	// run executes the interpreter and returns its exit code.
	run func(ctx context.Context, python string, args ...string) (int, error)

	mu    sync.Mutex
	cache map[string]bool
}

// NewFinder creates a Finder that runs python (a command line such as
// "python3" or "gpaw python").
func NewFinder(python string, logger *slog.Logger) *Finder {
	return &Finder{
		python:  python,
		timeout: 10 * time.Second,
		logger:  logger.With("component", "pymod"),
		run:     runPython,
		cache:   map[string]bool{},
	}
}

// IsModule reports whether name can be imported. Names that are not
// dotted Python identifiers are never modules.
func (f *Finder) IsModule(name string) bool {
	if !validName(name) {
		return false
	}
	f.mu.Lock()
	ok, cached := f.cache[name]
	f.mu.Unlock()
	if cached {
		return ok
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	code, err := f.run(ctx, f.python, "-c", probe, name)
	if err != nil {
		f.logger.Warn("module lookup failed", "name", name, "python", f.python, "error", err)
	}
	ok = err == nil && code == 0
	f.logger.Debug("module lookup", "name", name, "importable", ok)

	f.mu.Lock()
	f.cache[name] = ok
	f.mu.Unlock()
	return ok
}

func runPython(ctx context.Context, python string, args ...string) (int, error) {
	argv := strings.Fields(python)
	if len(argv) == 0 {
		return -1, errors.New("no python interpreter configured")
	}
	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], args...)...)
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return false
		}
		for i, r := range part {
			switch {
			case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9' && i > 0:
			default:
				return false
			}
		}
	}
	return true
}
