package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/pkg/model"
)

// PBSExecutor drives PBS/Torque through qsub, qdel, qhold, qrls and qstat.
type PBSExecutor struct {
	cfg    config.Config
	logger *slog.Logger
	runner CommandRunner
	dryID  int64
}

// NewPBSExecutor creates a PBSExecutor.
func NewPBSExecutor(cfg config.Config, logger *slog.Logger) *PBSExecutor {
	return newPBSExecutorWithRunner(cfg, logger, &osCommandRunner{})
}

// newPBSExecutorWithRunner is used by tests to inject a mock CommandRunner.
func newPBSExecutorWithRunner(cfg config.Config, logger *slog.Logger, runner CommandRunner) *PBSExecutor {
	return &PBSExecutor{
		cfg:    cfg,
		logger: logger.With("component", "pbs-executor"),
		runner: runner,
	}
}

func (e *PBSExecutor) Name() string { return "pbs" }

// SubmitArgs builds the qsub command line for task.
func (e *PBSExecutor) SubmitArgs(task *model.Task) ([]string, model.Node, error) {
	r := task.Resources
	nodes, node, err := r.Select(e.cfg.Nodes)
	if err != nil {
		return nil, node, err
	}
	ppn := r.Cores
	if node.Cores > 0 {
		ppn = min(r.Cores, node.Cores)
	}
	argv := []string{
		"qsub",
		"-N", task.Cmd.ShortName(),
		"-l", fmt.Sprintf("walltime=%d:%02d:%02d", r.Tmax/3600, r.Tmax%3600/60, r.Tmax%60),
		"-l", fmt.Sprintf("nodes=%d:ppn=%d", nodes, ppn),
		"-d", task.Folder,
	}
	if ids := depIDs(task); len(ids) > 0 {
		argv = append(argv, "-W", "depend=afterok:"+strings.Join(ids, ":"))
	}
	argv = append(argv, e.cfg.ExtraArgs...)
	argv = append(argv, node.ExtraArgs...)
	return argv, node, nil
}

func (e *PBSExecutor) Submit(ctx context.Context, task *model.Task, opts SubmitOptions) (int64, error) {
	argv, node, err := e.SubmitArgs(task)
	if err != nil {
		return 0, err
	}
	name := model.ShellQuote(task.Cmd.ShortName())
	redirect := fmt.Sprintf("exec > %s.$id.out 2> %s.$id.err", name, name)
	script := jobScript(e.cfg, task, node, e.Name(), "${PBS_JOBID%%.*}", redirect)
	if opts.DryRun || opts.Verbose {
		printDry(opts, argv, script)
	}
	if opts.DryRun {
		e.dryID++
		return e.dryID, nil
	}

	e.logger.Debug("submit", "name", task.DName(), "argv", argv)
	out, err := run(ctx, e.runner, script, argv)
	if err != nil {
		return 0, err
	}
	// "1234.server.example.org"
	head, _, _ := strings.Cut(strings.TrimSpace(out), ".")
	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("qsub: bad job id in output %q", out)
	}
	return id, nil
}

func (e *PBSExecutor) Cancel(ctx context.Context, id int64) error {
	_, err := run(ctx, e.runner, "", []string{"qdel", strconv.FormatInt(id, 10)})
	return err
}

func (e *PBSExecutor) Hold(ctx context.Context, id int64) error {
	_, err := run(ctx, e.runner, "", []string{"qhold", strconv.FormatInt(id, 10)})
	return err
}

func (e *PBSExecutor) Release(ctx context.Context, id int64) error {
	_, err := run(ctx, e.runner, "", []string{"qrls", strconv.FormatInt(id, 10)})
	return err
}

func (e *PBSExecutor) IDs(ctx context.Context) (map[int64]bool, error) {
	out, err := run(ctx, e.runner, "", []string{"qstat", "-u", e.cfg.User})
	if err != nil {
		return nil, err
	}
	return parseIDs(out), nil
}

func (e *PBSExecutor) HasTimedOut(task *model.Task) bool {
	data, err := os.ReadFile(e.ErrorFile(task))
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "PBS: job killed: walltime")
}

// MaxRSS is not available from PBS.
func (e *PBSExecutor) MaxRSS(context.Context, int64) (uint64, error) {
	return 0, nil
}

func (e *PBSExecutor) ErrorFile(task *model.Task) string {
	return task.OutputFile("err")
}
