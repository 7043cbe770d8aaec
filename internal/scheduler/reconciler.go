package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/me/myqueue/internal/executor"
	"github.com/me/myqueue/internal/fsutil"
	"github.com/me/myqueue/internal/notify"
	"github.com/me/myqueue/internal/queue"
	"github.com/me/myqueue/internal/store"
	"github.com/me/myqueue/internal/submit"
	"github.com/me/myqueue/pkg/model"
)

// memoryThreshold is the fraction of a node's memory a failed job must
// have used, according to the backend, to count as out of memory.
const memoryThreshold = 0.9

// Reconciler works on the tasks of one open queue and its backend.
type Reconciler struct {
	q        *queue.Queue
	exec     executor.Executor
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler. A nil notifier logs notifications.
func NewReconciler(q *queue.Queue, exec executor.Executor, notifier notify.Notifier, logger *slog.Logger) *Reconciler {
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Reconciler{
		q:        q,
		exec:     exec,
		notifier: notifier,
		logger:   logger.With("component", "reconciler"),
	}
}

// Check brings the store up to date with what happened at the backend.
// It runs every time a queue is opened for writing.
func (r *Reconciler) Check(ctx context.Context) error {
	changed := map[*model.Task]bool{}

	if err := r.applyDropFiles(changed); err != nil {
		return err
	}
	r.checkTimeouts(changed)
	if err := r.cancelDependents(ctx, changed); err != nil {
		return err
	}
	r.parseErrors(ctx, changed)
	return r.writeMarkers(changed)
}

func (r *Reconciler) applyDropFiles(changed map[*model.Task]bool) error {
	dir := r.q.Config().Dir()
	drops, err := store.ReadDropFiles(dir, r.exec.Name())
	if err != nil {
		return fmt.Errorf("read drop files: %w", err)
	}
	for _, d := range drops {
		t := r.q.Task(d.ID)
		switch {
		case t == nil:
			r.logger.Debug("drop file for unknown task", "path", d.Path)
		case t.State == d.State:
		default:
			when := float64(d.Time.UnixNano()) / 1e9
			if err := t.SetState(d.State, when); err != nil {
				r.logger.Warn("ignoring drop file", "path", d.Path, "error", err)
				break
			}
			r.q.Changed(t)
			changed[t] = true
			r.logger.Info("task state changed", "task_id", t.ID, "name", t.DName(), "state", t.State)
			if t.State == model.StateTimeout {
				removeEmptyOutput(t)
			}
		}
		if r.q.DryRun() {
			continue
		}
		if err := os.Remove(d.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove drop file: %w", err)
		}
	}
	return nil
}

// checkTimeouts marks running tasks TIMEOUT once they are past tmax and
// either the backend confirms it or the grace period has run out too.
func (r *Reconciler) checkTimeouts(changed map[*model.Task]bool) {
	now := r.q.Now()
	grace := float64(r.q.Config().TimeoutGrace)
	for _, t := range r.q.Tasks() {
		if t.State != model.StateRunning {
			continue
		}
		over := now - t.TRunning - float64(t.Resources.Tmax)
		if over <= 0 {
			continue
		}
		if !r.exec.HasTimedOut(t) && over <= grace {
			continue
		}
		if err := r.q.SetState(t, model.StateTimeout); err != nil {
			r.logger.Warn("timeout", "task_id", t.ID, "error", err)
			continue
		}
		changed[t] = true
		removeEmptyOutput(t)
		r.logger.Info("task timed out", "task_id", t.ID, "name", t.DName())
	}
}

// cancelDependents cancels every waiting task that depends, directly or
// not, on a task in a bad state or on a task that no longer exists.
func (r *Reconciler) cancelDependents(ctx context.Context, changed map[*model.Task]bool) error {
	tasks := r.q.Tasks()
	var seeds []*model.Task
	for _, t := range tasks {
		if t.State.IsBad() || (t.State.IsAlive() && len(r.q.MissingDeps(t)) > 0) {
			seeds = append(seeds, t)
		}
	}
	if len(seeds) == 0 {
		return nil
	}
	for _, t := range FindDepending(tasks, seeds) {
		if t.State != model.StateQueued && t.State != model.StateHold {
			continue
		}
		if err := r.q.SetState(t, model.StateCanceled); err != nil {
			return err
		}
		changed[t] = true
		r.logger.Info("task canceled", "task_id", t.ID, "name", t.DName(), "reason", "dependency failed or missing")
		if t.ID > 0 && !r.q.DryRun() {
			if err := r.exec.Cancel(ctx, t.ID); err != nil {
				r.logger.Warn("cancel at backend", "task_id", t.ID, "error", err)
			}
		}
	}
	return nil
}

// parseErrors fills in the error line of failed tasks and reclassifies
// out-of-memory failures as MEMORY.
func (r *Reconciler) parseErrors(ctx context.Context, changed map[*model.Task]bool) {
	for _, t := range r.q.Tasks() {
		if t.State != model.StateFailed || t.Error != "" {
			continue
		}
		line, oom := ReadErrorFile(r.exec.ErrorFile(t))
		t.Error = line
		r.q.Changed(t)
		if !oom {
			oom = r.exceededMemory(ctx, t)
		}
		if oom {
			if err := r.q.SetState(t, model.StateMemory); err != nil {
				r.logger.Warn("memory", "task_id", t.ID, "error", err)
				continue
			}
			changed[t] = true
		}
	}
}

// exceededMemory asks the backend how much memory the job used and
// compares it with what the nodes have.
func (r *Reconciler) exceededMemory(ctx context.Context, t *model.Task) bool {
	nodes, node, err := t.Resources.Select(r.q.Config().Nodes)
	if err != nil {
		return false
	}
	mem, err := node.MemoryBytes()
	if err != nil || mem == 0 {
		return false
	}
	rss, err := r.exec.MaxRSS(ctx, t.ID)
	if err != nil {
		r.logger.Debug("maxrss unavailable", "task_id", t.ID, "error", err)
		return false
	}
	if rss == 0 {
		return false
	}
	perNode := (t.Resources.Processes + nodes - 1) / nodes
	used := float64(rss) * float64(perNode)
	r.logger.Debug("maxrss", "task_id", t.ID, "rss", rss, "node_memory", mem)
	return used >= memoryThreshold*float64(mem)
}

// writeMarkers drops .done and .FAILED files next to workflow tasks that
// just finished. A .done file written by the task itself is kept.
func (r *Reconciler) writeMarkers(changed map[*model.Task]bool) error {
	if r.q.DryRun() {
		return nil
	}
	for _, t := range r.q.Tasks() {
		if !changed[t] || !t.Workflow {
			continue
		}
		var marker string
		switch t.State {
		case model.StateDone:
			marker = t.MarkerFile("done")
		case model.StateFailed, model.StateTimeout, model.StateMemory:
			marker = t.MarkerFile("FAILED")
		default:
			continue
		}
		if fsutil.Exists(marker) {
			continue
		}
		if err := fsutil.Touch(marker); err != nil {
			return fmt.Errorf("write marker: %w", err)
		}
	}
	return nil
}

func removeEmptyOutput(t *model.Task) {
	for _, ext := range []string{"out", "err"} {
		path := t.OutputFile(ext)
		if info, err := os.Stat(path); err == nil && info.Size() == 0 {
			_ = os.Remove(path)
		}
	}
}

// KickResult reports what Kick did.
type KickResult struct {
	Notified  int
	Restarted int
	Held      int
	Released  int
}

// Kick sends notifications, restarts tasks that ran out of time or
// memory and enforces the disk-space budget.
func (r *Reconciler) Kick(ctx context.Context) (KickResult, error) {
	var res KickResult

	n, err := r.notifications(ctx)
	if err != nil {
		return res, err
	}
	res.Notified = n

	n, err = r.restart(ctx)
	res.Restarted = n
	if err != nil {
		return res, err
	}

	res.Held, res.Released, err = r.HoldRelease(ctx)
	return res, err
}

func (r *Reconciler) notifications(ctx context.Context) (int, error) {
	var events []notify.Event
	var notified []*model.Task
	for _, t := range r.q.Tasks() {
		if t.Notifications == "" || t.State == model.StateUndefined {
			continue
		}
		if strings.IndexByte(t.Notifications, t.State.Letter()) < 0 {
			continue
		}
		events = append(events, notify.NewEvent(t))
		notified = append(notified, t)
	}
	if len(events) == 0 {
		return 0, nil
	}
	if r.q.DryRun() {
		return len(events), nil
	}
	if err := r.notifier.Notify(ctx, events); err != nil {
		// Letters stay so the next kick tries again.
		r.logger.Warn("notification failed", "error", err)
		return 0, nil
	}
	for _, t := range notified {
		t.Notifications = strings.ReplaceAll(t.Notifications, string(t.State.Letter()), "")
		if t.State.IsTerminal() {
			t.Notifications = strings.ReplaceAll(t.Notifications, "r", "")
		}
		r.q.Changed(t)
	}
	return len(events), nil
}

// restart resubmits TIMEOUT and MEMORY tasks that have restarts left,
// with bigger resources, together with the dependents that were
// canceled because of them.
func (r *Reconciler) restart(ctx context.Context) (int, error) {
	tasks := r.q.Tasks()
	var seeds []*model.Task
	for _, t := range tasks {
		if (t.State == model.StateTimeout || t.State == model.StateMemory) && t.Restart > 0 {
			seeds = append(seeds, t)
		}
	}
	if len(seeds) == 0 {
		return 0, nil
	}

	cfg := r.q.Config()
	restarting := map[*model.Task]bool{}
	for _, t := range seeds {
		restarting[t] = true
	}
	// Old tasks stay in the queue until their replacement is accepted, so
	// a failed submission leaves them where they were.
	replaces := map[*model.Task]*model.Task{}
	var drafts []*model.Task
	for _, t := range FindDepending(tasks, seeds) {
		if !restarting[t] && t.State != model.StateCanceled {
			continue
		}
		d := t.Draft()
		if restarting[t] {
			d.Resources = t.Resources.Bigger(t.State, cfg.Nodes)
			d.Restart = t.Restart - 1
			r.logger.Info("restarting task", "task_id", t.ID, "name", t.DName(),
				"state", t.State, "resources", d.Resources.String())
		}
		replaces[d] = t
		drafts = append(drafts, d)
	}

	res, err := submit.New(r.q, r.exec, r.logger).Submit(ctx, drafts,
		submit.Options{Force: true, DryRun: r.q.DryRun()})
	var old []*model.Task
	for _, d := range res.Submitted {
		old = append(old, replaces[d])
	}
	r.q.Remove(old...)
	return len(res.Submitted), err
}

// HoldRelease keeps the disk space claimed by queued, running and failed
// tasks within the configured maximum. Over budget, queued tasks are held
// in store order until the total drops below the maximum; under budget,
// held tasks are released newest first until it is exceeded again.
func (r *Reconciler) HoldRelease(ctx context.Context) (held, released int, err error) {
	limit := r.q.Config().MaximumDiskspace
	if limit <= 0 {
		return 0, 0, nil
	}
	tasks := r.q.Tasks()
	var mem int64
	for _, t := range tasks {
		switch t.State {
		case model.StateQueued, model.StateRunning, model.StateFailed, model.StateTimeout, model.StateMemory:
			mem += t.Diskspace
		}
	}

	switch {
	case mem > limit:
		for _, t := range tasks {
			if t.State != model.StateQueued || t.Diskspace <= 0 {
				continue
			}
			if !r.q.DryRun() {
				if err := r.exec.Hold(ctx, t.ID); err != nil {
					return held, released, err
				}
			}
			if err := r.q.SetState(t, model.StateHold); err != nil {
				return held, released, err
			}
			held++
			mem -= t.Diskspace
			if mem < limit {
				break
			}
		}
	case mem < limit:
		for i := len(tasks) - 1; i >= 0; i-- {
			t := tasks[i]
			if t.State != model.StateHold || t.Diskspace <= 0 {
				continue
			}
			if !r.q.DryRun() {
				if err := r.exec.Release(ctx, t.ID); err != nil {
					return held, released, err
				}
			}
			if err := r.q.SetState(t, model.StateQueued); err != nil {
				return held, released, err
			}
			released++
			mem += t.Diskspace
			if mem > limit {
				break
			}
		}
	}
	if held+released > 0 {
		r.logger.Info("disk space", "used", mem, "limit", limit, "held", held, "released", released)
	}
	return held, released, nil
}

// SyncResult reports what Sync changed.
type SyncResult struct {
	Canceled []*model.Task
	Removed  []*model.Task
}

// Sync cancels alive tasks the backend no longer knows about. Those whose
// folder is gone are removed from the store.
func (r *Reconciler) Sync(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	ids, err := r.exec.IDs(ctx)
	if err != nil {
		return res, err
	}
	for _, t := range r.q.Tasks() {
		if !t.State.IsAlive() || ids[t.ID] {
			continue
		}
		if _, err := os.Stat(t.Folder); errors.Is(err, os.ErrNotExist) {
			res.Removed = append(res.Removed, t)
			continue
		}
		if err := r.q.SetState(t, model.StateCanceled); err != nil {
			return res, err
		}
		res.Canceled = append(res.Canceled, t)
	}
	r.q.Remove(res.Removed...)
	r.logger.Info("synced", "canceled", len(res.Canceled), "removed", len(res.Removed))
	return res, nil
}

// Remove deletes the selected tasks and everything depending on them,
// canceling alive ones at the backend first.
func (r *Reconciler) Remove(ctx context.Context, sel model.Selection) ([]*model.Task, error) {
	tasks := r.q.Tasks()
	closure := FindDepending(tasks, sel.Select(tasks))
	if !r.q.DryRun() {
		for _, t := range closure {
			if t.State.IsAlive() && t.ID > 0 {
				if err := r.exec.Cancel(ctx, t.ID); err != nil {
					return nil, err
				}
			}
		}
	}
	r.q.Remove(closure...)
	return closure, nil
}

// modifications lists the state changes a user may ask for.
var modifications = map[model.State][]model.State{
	model.StateQueued: {model.StateHold},
	model.StateHold:   {model.StateQueued},
	model.StateFailed: {model.StateMemory, model.StateTimeout},
}

// Modify moves the selected tasks to state and, when notifications is
// not nil, replaces their notification letters.
func (r *Reconciler) Modify(ctx context.Context, sel model.Selection, state model.State, notifications *string) ([]*model.Task, error) {
	letters := ""
	if notifications != nil {
		set, err := model.ParseStateSet(*notifications)
		if err != nil {
			return nil, err
		}
		letters = set.Letters()
	}
	selected := sel.Select(r.q.Tasks())
	for _, t := range selected {
		if state != "" && state != t.State {
			allowed := false
			for _, s := range modifications[t.State] {
				allowed = allowed || s == state
			}
			if !allowed {
				return nil, &model.InvalidTransitionError{ID: t.ID, From: t.State, To: state}
			}
			if !r.q.DryRun() {
				var err error
				switch {
				case state == model.StateHold:
					err = r.exec.Hold(ctx, t.ID)
				case t.State == model.StateHold:
					err = r.exec.Release(ctx, t.ID)
				}
				if err != nil {
					return nil, err
				}
			}
			if err := r.q.SetState(t, state); err != nil {
				return nil, err
			}
		}
		if notifications != nil {
			t.Notifications = letters
			r.q.Changed(t)
		}
	}
	return selected, nil
}

// FindDepending returns seeds plus every task that depends on one of them,
// directly or through other tasks, in store order.
func FindDepending(tasks, seeds []*model.Task) []*model.Task {
	dependents := map[*model.Task][]*model.Task{}
	for _, t := range tasks {
		for _, d := range t.DTasks {
			dependents[d] = append(dependents[d], t)
		}
	}
	found := map[*model.Task]bool{}
	queue := append([]*model.Task(nil), seeds...)
	for _, s := range seeds {
		found[s] = true
	}
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		for _, d := range dependents[t] {
			if !found[d] {
				found[d] = true
				queue = append(queue, d)
			}
		}
	}
	result := make([]*model.Task, 0, len(found))
	for _, t := range tasks {
		if found[t] {
			result = append(result, t)
		}
	}
	return result
}
