package executor

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/myqueue/internal/config"
)

// Registry maps scheduler names to their Executor implementations.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	executors map[string]Executor
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		logger:    logger.With("component", "executor-registry"),
	}
}

// DefaultRegistry registers the executors that drive a batch system
// through its command line tools.
func DefaultRegistry(cfg config.Config, logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(NewSlurmExecutor(cfg, logger))
	r.Register(NewPBSExecutor(cfg, logger))
	r.Register(NewLSFExecutor(cfg, logger))
	return r
}

// Register adds an Executor to the registry, keyed by its Name().
func (r *Registry) Register(exec Executor) {
	name := exec.Name()
	r.executors[name] = exec
	r.logger.Debug("executor registered", "scheduler", name)
}

// Get returns the Executor for the given scheduler or an error if none is registered.
func (r *Registry) Get(name string) (Executor, error) {
	exec, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("no executor registered for scheduler %q", name)
	}
	return exec, nil
}

// Names lists the registered schedulers.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.executors))
	for n := range r.executors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
