// Package workflow runs JavaScript workflow scripts and turns the tasks
// they declare into queue tasks.
//
// A script either defines
//
//	function workflow(wrap, run) { ... }
//
// where wrap(fn, opts)(args...) declares a task that calls fn and run(opts)
// declares a plain command task, or it defines create_tasks() returning a
// list of task(cmd, opts) objects. Both forms are executed in one of two
// modes. Collecting walks the script and records every task it reaches,
// stopping quietly at the first use of a result that has not been computed
// yet. Running executes a single wrapped function and caches its return
// value in <folder>/<name>.done.
package workflow

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/me/myqueue/pkg/model"
)

// Options configures a script execution.
type Options struct {
	// Finder classifies command strings given to task().
	Finder model.ModuleFinder
	// Out receives print() output. Nil discards it.
	Out io.Writer
	// Logger for debug output. Nil discards it.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Out == nil {
		o.Out = io.Discard
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Collect executes script for folder and returns the tasks it declares, in
// declaration order. Every task is a workflow task. The script path is
// recorded in wrapped tasks so "mq run" can find it again.
func Collect(ctx context.Context, script, folder string, opts Options) ([]*model.Task, error) {
	script, err := filepath.Abs(script)
	if err != nil {
		return nil, err
	}
	h := newHost(collecting, script, folder, "", opts.withDefaults())
	if err := h.execute(ctx); err != nil {
		return nil, err
	}
	tasks := make([]*model.Task, 0, len(h.records))
	for _, r := range h.records {
		tasks = append(tasks, r.task(folder))
	}
	h.opts.Logger.Debug("workflow collected",
		"script", script,
		"folder", folder,
		"tasks", len(tasks),
		"stopped_early", h.halt == errStopCollecting,
	)
	return tasks, nil
}

// Run executes the wrapped function called name and writes its encoded
// return value to <folder>/<name>.done. Results of the tasks it depends on
// are read from their .done files.
func Run(ctx context.Context, script, folder, name string, opts Options) error {
	script, err := filepath.Abs(script)
	if err != nil {
		return err
	}
	h := newHost(running, script, folder, name, opts.withDefaults())
	if err := h.execute(ctx); err != nil {
		return err
	}
	if !h.ran {
		return model.Errorf("task %s was not reached by %s", name, filepath.Base(script))
	}
	return nil
}

// FilterTargets keeps the tasks named in targets plus everything they
// depend on, transitively. A target matches a task's name or its full
// folder/name. Order is preserved.
func FilterTargets(tasks []*model.Task, targets []string) ([]*model.Task, error) {
	if len(targets) == 0 {
		return tasks, nil
	}
	byDName := make(map[string]*model.Task, len(tasks))
	for _, t := range tasks {
		byDName[t.DName()] = t
	}
	keep := make(map[*model.Task]bool)
	var todo []*model.Task
	for _, target := range targets {
		i := slices.IndexFunc(tasks, func(t *model.Task) bool {
			return t.Cmd.Name() == target || t.DName() == target
		})
		if i < 0 {
			return nil, model.Errorf("unknown target: %s", target)
		}
		todo = append(todo, tasks[i])
	}
	for len(todo) > 0 {
		t := todo[0]
		todo = todo[1:]
		if keep[t] {
			continue
		}
		keep[t] = true
		for _, dep := range t.Deps {
			if d, ok := byDName[dep]; ok {
				todo = append(todo, d)
			}
		}
	}
	var out []*model.Task
	for _, t := range tasks {
		if keep[t] {
			out = append(out, t)
		}
	}
	return out, nil
}

type record struct {
	name          string
	cmd           model.Command
	res           model.Resources
	deps          []string
	restart       int
	diskspace     int64
	creates       []string
	notifications string
}

func (r *record) task(folder string) *model.Task {
	deps := make([]string, len(r.deps))
	for i, d := range r.deps {
		deps[i] = filepath.Join(folder, d)
	}
	t := model.NewTask(r.cmd, r.res, folder, deps)
	t.Workflow = true
	t.Restart = r.restart
	t.Diskspace = r.diskspace
	t.Notifications = r.notifications
	if r.creates != nil {
		t.Creates = r.creates
	}
	return t
}
