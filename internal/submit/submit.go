// Package submit turns task drafts into submitted tasks: it drops work
// that is already done or queued, resolves dependencies against the store
// and hands the survivors to the backend in dependency order.
package submit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/myqueue/internal/executor"
	"github.com/me/myqueue/internal/fsutil"
	"github.com/me/myqueue/internal/queue"
	"github.com/me/myqueue/pkg/model"
)

// Options modify a submission.
type Options struct {
	// Force resubmits workflow tasks that have a .FAILED marker.
	Force bool
	// MaxTasks caps how many tasks are submitted; 0 means no limit.
	MaxTasks int
	DryRun   bool
	Verbose  bool
	// Out receives progress messages. Nil discards them.
	Out io.Writer
}

// Result summarises a submission.
type Result struct {
	// Submitted tasks in submission order.
	Submitted []*model.Task
	// Remaining counts tasks that were ready but not submitted because of
	// MaxTasks or an error.
	Remaining int
	// Done counts drafts skipped because their work already exists.
	Done int
	// Failed counts workflow drafts skipped because of a .FAILED marker.
	Failed int
	// Queued counts drafts that were already in the queue.
	Queued int
	// Skipped counts drafts with a missing, failed or skipped dependency.
	Skipped int
}

// Submitter submits drafts to one backend and records them in a queue.
type Submitter struct {
	q      *queue.Queue
	exec   executor.Executor
	logger *slog.Logger
}

// New creates a Submitter.
func New(q *queue.Queue, exec executor.Executor, logger *slog.Logger) *Submitter {
	return &Submitter{
		q:      q,
		exec:   exec,
		logger: logger.With("component", "submitter"),
	}
}

// Submit submits drafts (tasks with id 0). Tasks accepted by the backend
// are added to the queue and saved even when a later submission fails.
func (s *Submitter) Submit(ctx context.Context, drafts []*model.Task, opts Options) (Result, error) {
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	var res Result

	// Drop work that is finished, failed or already queued. byDName maps
	// every dname a dep may refer to, so a dropped alive duplicate stands
	// in for its draft.
	byDName := s.q.ByDName()
	pending := map[string]*model.Task{}
	seen := map[string]bool{}
	done := map[string]bool{}
	skipped := map[string]bool{}
	// .FAILED markers of forced drafts, removed once the draft is accepted.
	markers := map[*model.Task]string{}
	var kept []*model.Task
	for _, d := range drafts {
		name := d.DName()
		if seen[name] {
			return res, model.Errorf("task %s given twice", name)
		}
		seen[name] = true
		if d.IsDone() {
			done[name] = true
			res.Done++
			continue
		}
		if d.Workflow {
			marker := d.MarkerFile("FAILED")
			if fsutil.Exists(marker) {
				if !opts.Force {
					skipped[name] = true
					res.Failed++
					continue
				}
				markers[d] = marker
			}
		}
		if t, ok := byDName[name]; ok && t.State.IsAlive() {
			d.ID = t.ID
			res.Queued++
			continue
		}
		pending[name] = d
		kept = append(kept, d)
	}

	order, err := topoSort(kept, pending)
	if err != nil {
		return res, err
	}

	// Resolve deps in dependency order so a skipped draft skips its
	// dependents too.
	var ready []*model.Task
	for _, d := range order {
		if reason := s.resolve(d, byDName, pending, done, skipped); reason != "" {
			fmt.Fprintf(out, "Skipping %s: %s\n", d.DName(), reason)
			s.logger.Info("draft skipped", "name", d.DName(), "reason", reason)
			skipped[d.DName()] = true
			res.Skipped++
			continue
		}
		ready = append(ready, d)
	}

	if opts.MaxTasks > 0 && len(ready) > opts.MaxTasks {
		res.Remaining = len(ready) - opts.MaxTasks
		ready = ready[:opts.MaxTasks]
	}

	cfg := s.q.Config()
	now := s.q.Now()
	for _, d := range ready {
		d.User = cfg.User
		if err := d.SetState(model.StateQueued, now); err != nil {
			return res, err
		}
		if d.Activation == "" {
			d.Activation = FindActivation(d.Folder, cfg.Home)
		}
	}

	sopts := executor.SubmitOptions{DryRun: opts.DryRun, Verbose: opts.Verbose, Out: out}
	var submitErr error
	for i, d := range ready {
		id, err := s.exec.Submit(ctx, d, sopts)
		if err != nil {
			res.Remaining += len(ready) - i
			submitErr = fmt.Errorf("submit %s: %w", d.DName(), err)
			break
		}
		d.ID = id
		res.Submitted = append(res.Submitted, d)
		s.logger.Debug("submitted", "task_id", id, "name", d.DName())
	}

	if !opts.DryRun {
		for _, d := range res.Submitted {
			marker, ok := markers[d]
			if !ok {
				continue
			}
			if err := os.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("remove marker", "path", marker, "error", err)
			}
		}
	}

	if len(res.Submitted) > 0 {
		s.q.Add(res.Submitted...)
		if err := s.q.Save(ctx); err != nil {
			return res, errors.Join(submitErr, err)
		}
	}
	return res, submitErr
}

// resolve points d.DTasks at its live dependencies and drops satisfied
// ones from d.Deps. A non-empty return value is the reason d cannot be
// submitted.
func (s *Submitter) resolve(d *model.Task, byDName, pending map[string]*model.Task, done, skipped map[string]bool) string {
	d.DTasks = nil
	var deps []string
	for _, dep := range d.Deps {
		if dep == d.DName() {
			return "depends on itself"
		}
		if skipped[dep] {
			return fmt.Sprintf("dependency %s was skipped", dep)
		}
		if done[dep] {
			continue
		}
		if p, ok := pending[dep]; ok {
			d.DTasks = append(d.DTasks, p)
			deps = append(deps, dep)
			continue
		}
		if t, ok := byDName[dep]; ok {
			switch {
			case t.State == model.StateDone:
				continue
			case t.State.IsAlive():
				d.DTasks = append(d.DTasks, t)
				deps = append(deps, dep)
				continue
			case t.State.IsBad():
				return fmt.Sprintf("dependency %s is %s", dep, t.State)
			}
		}
		if fsutil.Exists(dep + ".done") {
			continue
		}
		return fmt.Sprintf("Missing dependency: %s", dep)
	}
	d.Deps = deps
	if d.Deps == nil {
		d.Deps = []string{}
	}
	return ""
}

// topoSort orders drafts so that every draft comes after the drafts it
// depends on. Ties keep the input order.
func topoSort(drafts []*model.Task, pending map[string]*model.Task) ([]*model.Task, error) {
	inDegree := make(map[*model.Task]int, len(drafts))
	dependents := make(map[*model.Task][]*model.Task)
	for _, d := range drafts {
		inDegree[d] += 0
		for _, dep := range d.Deps {
			if p, ok := pending[dep]; ok && p != d {
				inDegree[d]++
				dependents[p] = append(dependents[p], d)
			}
		}
	}

	var queue []*model.Task
	for _, d := range drafts {
		if inDegree[d] == 0 {
			queue = append(queue, d)
		}
	}
	order := make([]*model.Task, 0, len(drafts))
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		order = append(order, d)
		for _, dep := range dependents[d] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(order) != len(drafts) {
		var cycle []string
		for _, d := range drafts {
			if inDegree[d] > 0 {
				cycle = append(cycle, d.DName())
			}
		}
		return nil, model.Errorf("dependency cycle among %v", cycle)
	}
	return order, nil
}

// FindActivation returns the venv activation script for folder: the first
// venv/bin/activate or venv/activate in folder or one of its ancestors up
// to root, then $VIRTUAL_ENV/bin/activate. Empty when there is none.
func FindActivation(folder, root string) string {
	dir := filepath.Clean(folder)
	prefix := filepath.Clean(root) + string(filepath.Separator)
	for {
		for _, rel := range []string{"venv/bin/activate", "venv/activate"} {
			if p := filepath.Join(dir, rel); fsutil.Exists(p) {
				return p
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir || !strings.HasPrefix(parent+string(filepath.Separator), prefix) {
			break
		}
		dir = parent
	}
	if venv := os.Getenv("VIRTUAL_ENV"); venv != "" {
		if p := filepath.Join(venv, "bin", "activate"); fsutil.Exists(p) {
			return p
		}
	}
	return ""
}
