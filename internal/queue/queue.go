// Package queue is a locked session on the task store of one MyQueue tree:
// it loads every task, tracks which ones change, and saves them back.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/internal/fsutil"
	"github.com/me/myqueue/internal/store"
	"github.com/me/myqueue/pkg/model"
)

// Options controls how a Queue is opened.
type Options struct {
	// ReadOnly skips the lock and never saves. For commands that only
	// display tasks.
	ReadOnly bool
	// DryRun takes the lock but discards all changes.
	DryRun bool
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Queue holds the tasks of a tree while the caller works on them.
type Queue struct {
	cfg    config.Config
	store  store.Store
	lock   *store.Lock
	logger *slog.Logger
	opts   Options

	tasks   []*model.Task
	changed map[*model.Task]bool
	removed map[int64]bool
	missing map[*model.Task][]string
}

// Open locks the tree described by cfg and loads its tasks.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*Queue, error) {
	if info, err := os.Stat(cfg.Dir()); err != nil || !info.IsDir() {
		return nil, model.Errorf("no %s folder in %s; run 'mq init'", config.DirName, cfg.Home)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &Queue{
		cfg:     cfg,
		logger:  logger.With("component", "queue"),
		opts:    opts,
		changed: map[*model.Task]bool{},
		removed: map[int64]bool{},
	}

	if !opts.ReadOnly {
		lock, err := store.AcquireLock(ctx, cfg.DBPath()+".lock", logger)
		if err != nil {
			return nil, err
		}
		q.lock = lock
	}

	st, err := store.NewSQLiteStore(cfg.DBPath(), logger)
	if err != nil {
		q.release()
		return nil, err
	}
	q.store = st
	if err := st.Migrate(ctx); err != nil {
		q.release()
		return nil, fmt.Errorf("migrate %s: %w", cfg.DBPath(), err)
	}
	if err := q.importLegacy(ctx); err != nil {
		q.release()
		return nil, err
	}

	tasks, err := st.LoadTasks(ctx)
	if err != nil {
		q.release()
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	q.tasks = tasks
	q.Resolve()
	q.logger.Debug("queue opened", "root", cfg.Home, "tasks", len(tasks), "read_only", opts.ReadOnly)
	return q, nil
}

// importLegacy moves the tasks of an old queue.json into the database.
func (q *Queue) importLegacy(ctx context.Context) error {
	legacy := filepath.Join(q.cfg.Dir(), "queue.json")
	if q.opts.ReadOnly || !fsutil.Exists(legacy) {
		return nil
	}
	tasks, err := store.ImportJSON(legacy)
	if err != nil {
		return fmt.Errorf("import %s: %w", legacy, err)
	}
	if err := q.store.SaveTasks(ctx, tasks, nil); err != nil {
		return fmt.Errorf("import %s: %w", legacy, err)
	}
	q.logger.Info("imported legacy queue", "path", legacy, "tasks", len(tasks))
	return os.Rename(legacy, legacy+".imported")
}

// Config returns the configuration the queue was opened with.
func (q *Queue) Config() config.Config { return q.cfg }

// Logger returns the queue's logger.
func (q *Queue) Logger() *slog.Logger { return q.logger }

// DryRun reports whether changes will be discarded.
func (q *Queue) DryRun() bool { return q.opts.DryRun }

// Now returns the current time in epoch seconds.
func (q *Queue) Now() float64 {
	return float64(q.opts.Now().UnixNano()) / 1e9
}

// Tasks returns all tasks in store order. The slice must not be modified.
func (q *Queue) Tasks() []*model.Task { return q.tasks }

// Task returns the task with the given id, or nil.
func (q *Queue) Task(id int64) *model.Task {
	for _, t := range q.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// MaxID returns the largest id ever stored in this tree.
func (q *Queue) MaxID(ctx context.Context) (int64, error) {
	return q.store.MaxID(ctx)
}

// Add appends newly submitted tasks.
func (q *Queue) Add(tasks ...*model.Task) {
	for _, t := range tasks {
		q.tasks = append(q.tasks, t)
		q.changed[t] = true
		delete(q.removed, t.ID)
	}
	q.Resolve()
}

// Changed marks tasks as modified.
func (q *Queue) Changed(tasks ...*model.Task) {
	for _, t := range tasks {
		q.changed[t] = true
	}
}

// Remove drops tasks from the queue.
func (q *Queue) Remove(tasks ...*model.Task) {
	drop := map[*model.Task]bool{}
	for _, t := range tasks {
		drop[t] = true
		q.removed[t.ID] = true
		delete(q.changed, t)
	}
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if !drop[t] {
			kept = append(kept, t)
		}
	}
	q.tasks = kept
	q.Resolve()
}

// SetState moves t to state and marks it changed.
func (q *Queue) SetState(t *model.Task, state model.State) error {
	if err := t.SetState(state, q.Now()); err != nil {
		return err
	}
	q.Changed(t)
	q.logger.Debug("transition", "task_id", t.ID, "name", t.DName(), "state", state)
	return nil
}

// Resolve rebuilds the dependency pointers from the stored dep paths.
// A dep path resolves to the newest task with that dname; a path without
// a task but with a .done marker is satisfied; anything else is missing.
func (q *Queue) Resolve() {
	byDName := q.ByDName()
	q.missing = map[*model.Task][]string{}
	for _, t := range q.tasks {
		t.DTasks = nil
		for _, dep := range t.Deps {
			if d, ok := byDName[dep]; ok && d != t {
				t.DTasks = append(t.DTasks, d)
				continue
			}
			if fsutil.Exists(dep + ".done") {
				continue
			}
			q.missing[t] = append(q.missing[t], dep)
		}
	}
}

// ByDName maps each dname to the newest task carrying it.
func (q *Queue) ByDName() map[string]*model.Task {
	m := make(map[string]*model.Task, len(q.tasks))
	for _, t := range q.tasks {
		m[t.DName()] = t
	}
	return m
}

// MissingDeps returns the dep paths of t that resolve to nothing.
func (q *Queue) MissingDeps(t *model.Task) []string {
	return q.missing[t]
}

// Save writes changed and removed tasks to the store.
func (q *Queue) Save(ctx context.Context) error {
	if q.opts.ReadOnly || q.opts.DryRun {
		return nil
	}
	var changed []*model.Task
	for _, t := range q.tasks {
		if q.changed[t] {
			changed = append(changed, t)
		}
	}
	var removed []int64
	for id := range q.removed {
		removed = append(removed, id)
	}
	if err := q.store.SaveTasks(ctx, changed, removed); err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	q.changed = map[*model.Task]bool{}
	q.removed = map[int64]bool{}
	return nil
}

// Close saves pending changes and releases the lock.
func (q *Queue) Close(ctx context.Context) error {
	err := q.Save(ctx)
	return errors.Join(err, q.release())
}

func (q *Queue) release() error {
	var errs []error
	if q.store != nil {
		errs = append(errs, q.store.Close())
		q.store = nil
	}
	if q.lock != nil {
		errs = append(errs, q.lock.Release())
		q.lock = nil
	}
	return errors.Join(errs...)
}
