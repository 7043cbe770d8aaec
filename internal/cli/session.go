package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/internal/executor"
	"github.com/me/myqueue/internal/localsched"
	"github.com/me/myqueue/internal/logging"
	"github.com/me/myqueue/internal/notify"
	"github.com/me/myqueue/internal/pymod"
	"github.com/me/myqueue/internal/queue"
	"github.com/me/myqueue/internal/scheduler"
	"github.com/me/myqueue/internal/submit"
	"github.com/me/myqueue/pkg/model"
)

// session is one tree opened for a command: its configuration, its
// locked queue and the backend it submits to.
type session struct {
	cfg  config.Config
	q    *queue.Queue
	exec executor.Executor
	rec  *scheduler.Reconciler
	out  io.Writer
}

// openSession opens the tree that contains folder.
func openSession(ctx context.Context, folder string, readOnly bool, out io.Writer) (*session, error) {
	root, err := config.FindRoot(folder)
	if err != nil {
		return nil, err
	}
	return openRoot(ctx, root, readOnly, out)
}

// openRoot opens the tree rooted at root. Unless readOnly, the queue is
// locked and brought up to date with the backend.
func openRoot(ctx context.Context, root string, readOnly bool, out io.Writer) (*session, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if cfg.LogFormat != "" && flagLogFormat == "text" {
		logger = logging.NewLoggerWithWriter(logging.LevelFromVerbosity(flagVerbose, flagQuiet), cfg.LogFormat, logOut)
	}
	q, err := queue.Open(ctx, cfg, logger, queue.Options{ReadOnly: readOnly, DryRun: flagDryRun})
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, q: q, out: out}
	if readOnly {
		return s, nil
	}

	s.exec, err = newExecutor(ctx, cfg, q)
	if err != nil {
		q.Close(ctx)
		return nil, err
	}
	s.rec = scheduler.NewReconciler(q, s.exec, notify.New(cfg.Notifications, logger), logger)
	if err := s.rec.Check(ctx); err != nil {
		q.Close(ctx)
		return nil, fmt.Errorf("check %s: %w", root, err)
	}
	return s, nil
}

// newExecutor returns the backend named in cfg. Backends that hand out
// their own ids start above the largest id in the tree.
func newExecutor(ctx context.Context, cfg config.Config, q *queue.Queue) (executor.Executor, error) {
	maxID, err := q.MaxID(ctx)
	if err != nil {
		return nil, err
	}
	reg := executor.DefaultRegistry(cfg, logger)
	reg.Register(executor.NewTestExecutor(cfg, maxID+1, logger))
	local := localsched.NewClient(cfg, logger)
	local.SetMinID(maxID + 1)
	reg.Register(local)
	return reg.Get(cfg.Scheduler)
}

// close saves the queue and releases the lock. The in-process test
// scheduler runs its jobs first so they are not lost with the process.
func (s *session) close(ctx context.Context) error {
	var errs []error
	if te, ok := s.exec.(*executor.TestExecutor); ok && !s.q.DryRun() {
		if _, err := te.RunAll(ctx); err != nil {
			errs = append(errs, err)
		} else if err := s.rec.Check(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.q.Close(ctx))
	return errors.Join(errs...)
}

func (s *session) finder() model.ModuleFinder {
	return pymod.NewFinder(s.cfg.SerialPython, logger)
}

func (s *session) submit(ctx context.Context, drafts []*model.Task, opts submit.Options) (submit.Result, error) {
	opts.DryRun = flagDryRun
	opts.Verbose = flagVerbose > 0
	opts.Out = s.out
	res, err := submit.New(s.q, s.exec, logger).Submit(ctx, drafts, opts)
	if len(res.Submitted) > 0 {
		writeTasks(s.out, res.Submitted, s.q.Now())
	}
	writeSubmitSummary(s.out, res)
	return res, err
}

// withSession runs fn on the tree containing folder and closes it.
func withSession(ctx context.Context, folder string, readOnly bool, out io.Writer, fn func(*session) error) error {
	s, err := openSession(ctx, folder, readOnly, out)
	if err != nil {
		return err
	}
	err = fn(s)
	return errors.Join(err, s.close(ctx))
}

// roots returns the trees a command works on: every registered tree with
// all set, else the tree containing the current folder.
func roots(all bool) ([]string, error) {
	if all {
		folders, err := config.KnownFolders()
		if err != nil {
			return nil, err
		}
		if len(folders) == 0 {
			return nil, model.Errorf("no MyQueue trees registered; run 'mq init' first")
		}
		return folders, nil
	}
	root, err := config.FindRoot(".")
	if err != nil {
		return nil, err
	}
	return []string{root}, nil
}

// absFolders resolves folder arguments, defaulting to the current folder.
func absFolders(args []string) ([]string, error) {
	if len(args) == 0 {
		args = []string{"."}
	}
	out := make([]string, len(args))
	for i, a := range args {
		abs, err := filepath.Abs(a)
		if err != nil {
			return nil, err
		}
		out[i] = abs
	}
	return out, nil
}
