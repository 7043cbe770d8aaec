package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/internal/store"
	"github.com/me/myqueue/pkg/model"
)

// TestExecutor is an in-process scheduler for tests. Submitted jobs wait
// until RunAll executes them one at a time, in submission order, writing
// the same drop files a real job script would.
type TestExecutor struct {
	cfg    config.Config
	logger *slog.Logger

	mu     sync.Mutex
	nextID int64
	jobs   []*testJob
	failed map[int64]bool
}

type testJob struct {
	id   int64
	task model.Task
	deps []int64
	held bool
}

// NewTestExecutor creates a TestExecutor whose first job gets id firstID.
func NewTestExecutor(cfg config.Config, firstID int64, logger *slog.Logger) *TestExecutor {
	if firstID < 1 {
		firstID = 1
	}
	return &TestExecutor{
		cfg:    cfg,
		logger: logger.With("component", "test-executor"),
		nextID: firstID,
		failed: map[int64]bool{},
	}
}

func (e *TestExecutor) Name() string { return "test" }

func (e *TestExecutor) Submit(_ context.Context, task *model.Task, opts SubmitOptions) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	if opts.DryRun || opts.Verbose {
		_, node, _ := task.Resources.Select(e.cfg.Nodes)
		printDry(opts, []string{"test-submit", task.DName()}, CommandLine(e.cfg, task, node)+"\n")
	}
	if opts.DryRun {
		return id, nil
	}
	job := &testJob{id: id, task: *task}
	job.task.ID = id
	for _, d := range task.DTasks {
		if d.ID > 0 && d.State.IsAlive() {
			job.deps = append(job.deps, d.ID)
		}
	}
	e.jobs = append(e.jobs, job)
	e.logger.Debug("job queued", "id", id, "name", task.DName(), "deps", job.deps)
	return id, nil
}

func (e *TestExecutor) Cancel(_ context.Context, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, j := range e.jobs {
		if j.id == id {
			e.jobs = append(e.jobs[:i], e.jobs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (e *TestExecutor) Hold(_ context.Context, id int64) error {
	return e.setHeld(id, true)
}

func (e *TestExecutor) Release(_ context.Context, id int64) error {
	return e.setHeld(id, false)
}

func (e *TestExecutor) setHeld(id int64, held bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, j := range e.jobs {
		if j.id == id {
			j.held = held
			return nil
		}
	}
	return &model.SchedulerError{
		Command:  []string{"test-hold", fmt.Sprint(id)},
		Stderr:   fmt.Sprintf("no such job: %d", id),
		ExitCode: 1,
	}
}

func (e *TestExecutor) IDs(context.Context) (map[int64]bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make(map[int64]bool, len(e.jobs))
	for _, j := range e.jobs {
		ids[j.id] = true
	}
	return ids, nil
}

// HasTimedOut is always true: the test executor only reports TIMEOUT
// after killing a job itself.
func (e *TestExecutor) HasTimedOut(*model.Task) bool { return true }

func (e *TestExecutor) MaxRSS(context.Context, int64) (uint64, error) { return 0, nil }

func (e *TestExecutor) ErrorFile(task *model.Task) string {
	return task.OutputFile("err")
}

// Pending returns the ids of jobs that have not run yet.
func (e *TestExecutor) Pending() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, len(e.jobs))
	for i, j := range e.jobs {
		ids[i] = j.id
	}
	return ids
}

// RunAll runs jobs until none is runnable and returns how many ran. A job
// is runnable when it is not held and every job it depends on has left
// the queue without failing. Jobs depending on a failed job stay queued,
// like afterok dependencies on a real batch system.
func (e *TestExecutor) RunAll(ctx context.Context) (int, error) {
	n := 0
	for {
		job := e.next()
		if job == nil {
			return n, nil
		}
		ok, err := e.execute(ctx, job)
		if err != nil {
			return n, err
		}
		n++
		e.mu.Lock()
		for i, j := range e.jobs {
			if j == job {
				e.jobs = append(e.jobs[:i], e.jobs[i+1:]...)
				break
			}
		}
		if !ok {
			e.failed[job.id] = true
		}
		e.mu.Unlock()
	}
}

func (e *TestExecutor) next() *testJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	queued := make(map[int64]bool, len(e.jobs))
	for _, j := range e.jobs {
		queued[j.id] = true
	}
outer:
	for _, j := range e.jobs {
		if j.held {
			continue
		}
		for _, d := range j.deps {
			if queued[d] || e.failed[d] {
				continue outer
			}
		}
		return j
	}
	return nil
}

// execute runs one job under its time limit and reports success.
func (e *TestExecutor) execute(ctx context.Context, job *testJob) (bool, error) {
	dir := e.cfg.Dir()
	if err := store.WriteDropFile(dir, e.Name(), job.id, store.CodeRunning); err != nil {
		return false, err
	}

	task := &job.task
	_, node, err := task.Resources.Select(e.cfg.Nodes)
	if err != nil {
		return false, err
	}
	out, err := os.Create(task.OutputFile("out"))
	if err != nil {
		return false, err
	}
	defer out.Close()
	errFile, err := os.Create(task.OutputFile("err"))
	if err != nil {
		return false, err
	}
	defer errFile.Close()

	tmax := time.Duration(task.Resources.Tmax) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, tmax)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", CommandLine(e.cfg, task, node))
	cmd.Dir = task.Folder
	cmd.Stdout = out
	cmd.Stderr = errFile
	cmd.Env = append(os.Environ(), fmt.Sprintf("MYQUEUE_TASK_ID=%d", job.id))
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	code := store.CodeDone
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		code = store.CodeTimeout
	case ctx.Err() != nil:
		return false, ctx.Err()
	case runErr != nil:
		code = store.CodeFailed
	}
	e.logger.Debug("job finished", "id", job.id, "name", task.DName(),
		"code", code, "duration", time.Since(start).Round(time.Millisecond))
	if err := store.WriteDropFile(dir, e.Name(), job.id, code); err != nil {
		return false, err
	}
	return code == store.CodeDone, nil
}

