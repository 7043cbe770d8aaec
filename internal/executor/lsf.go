package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/pkg/model"
)

// LSFExecutor drives IBM Spectrum LSF through bsub, bkill, bstop,
// bresume and bjobs.
type LSFExecutor struct {
	cfg    config.Config
	logger *slog.Logger
	runner CommandRunner
	dryID  int64
}

// NewLSFExecutor creates an LSFExecutor.
func NewLSFExecutor(cfg config.Config, logger *slog.Logger) *LSFExecutor {
	return newLSFExecutorWithRunner(cfg, logger, &osCommandRunner{})
}

// newLSFExecutorWithRunner is used by tests to inject a mock CommandRunner.
func newLSFExecutorWithRunner(cfg config.Config, logger *slog.Logger, runner CommandRunner) *LSFExecutor {
	return &LSFExecutor{
		cfg:    cfg,
		logger: logger.With("component", "lsf-executor"),
		runner: runner,
	}
}

func (e *LSFExecutor) Name() string { return "lsf" }

var bsubID = regexp.MustCompile(`<(\d+)>`)

// SubmitArgs builds the bsub command line for task.
func (e *LSFExecutor) SubmitArgs(task *model.Task) ([]string, model.Node, error) {
	r := task.Resources
	nodes, node, err := r.Select(e.cfg.Nodes)
	if err != nil {
		return nil, node, err
	}
	name := task.Cmd.ShortName()
	argv := []string{
		"bsub",
		"-J", name,
		"-W", strconv.Itoa((r.Tmax + 59) / 60),
		"-n", strconv.Itoa(r.Cores),
		"-R", fmt.Sprintf("span[hosts=%d]", nodes),
	}
	if node.Name != "" {
		argv = append(argv, "-q", node.Name)
	}
	argv = append(argv, "-cwd", task.Folder, "-o", name+".%J.out", "-e", name+".%J.err")
	if ids := depIDs(task); len(ids) > 0 {
		conds := make([]string, len(ids))
		for i, id := range ids {
			conds[i] = "done(" + id + ")"
		}
		argv = append(argv, "-w", strings.Join(conds, "&&"))
	}
	argv = append(argv, e.cfg.ExtraArgs...)
	argv = append(argv, node.ExtraArgs...)
	return argv, node, nil
}

func (e *LSFExecutor) Submit(ctx context.Context, task *model.Task, opts SubmitOptions) (int64, error) {
	argv, node, err := e.SubmitArgs(task)
	if err != nil {
		return 0, err
	}
	script := jobScript(e.cfg, task, node, e.Name(), "$LSB_JOBID", "")
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
	// "Job <1234> is submitted to queue <normal>."
	m := bsubID.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("bsub: no job id in output %q", out)
	}
	return strconv.ParseInt(m[1], 10, 64)
}

func (e *LSFExecutor) Cancel(ctx context.Context, id int64) error {
	_, err := run(ctx, e.runner, "", []string{"bkill", strconv.FormatInt(id, 10)})
	return err
}

func (e *LSFExecutor) Hold(ctx context.Context, id int64) error {
	_, err := run(ctx, e.runner, "", []string{"bstop", strconv.FormatInt(id, 10)})
	return err
}

func (e *LSFExecutor) Release(ctx context.Context, id int64) error {
	_, err := run(ctx, e.runner, "", []string{"bresume", strconv.FormatInt(id, 10)})
	return err
}

func (e *LSFExecutor) IDs(ctx context.Context) (map[int64]bool, error) {
	argv := []string{"bjobs", "-noheader", "-o", "jobid", "-u", e.cfg.User}
	stdout, stderr, code, err := e.runner.Run(ctx, "", argv[0], argv[1:]...)
	if err == nil && strings.Contains(stderr, "No unfinished job found") {
		return map[int64]bool{}, nil
	}
	if err != nil || code != 0 {
		return nil, &model.SchedulerError{Command: argv, Stdout: stdout, Stderr: stderr, ExitCode: code}
	}
	return parseIDs(stdout), nil
}

// HasTimedOut looks for LSF's run-limit exit reason in the job report,
// which LSF appends to the output file.
func (e *LSFExecutor) HasTimedOut(task *model.Task) bool {
	for _, path := range []string{task.OutputFile("out"), e.ErrorFile(task)} {
		if data, err := os.ReadFile(path); err == nil && strings.Contains(string(data), "TERM_RUNLIMIT") {
			return true
		}
	}
	return false
}

// MaxRSS is not collected for LSF.
func (e *LSFExecutor) MaxRSS(context.Context, int64) (uint64, error) {
	return 0, nil
}

func (e *LSFExecutor) ErrorFile(task *model.Task) string {
	return task.OutputFile("err")
}
