package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/pkg/model"
)

// SlurmExecutor drives SLURM through sbatch, scancel, scontrol, squeue
// and sacct.
type SlurmExecutor struct {
	cfg    config.Config
	logger *slog.Logger
	runner CommandRunner
	dryID  int64
}

// NewSlurmExecutor creates a SlurmExecutor.
func NewSlurmExecutor(cfg config.Config, logger *slog.Logger) *SlurmExecutor {
	return newSlurmExecutorWithRunner(cfg, logger, &osCommandRunner{})
}

// newSlurmExecutorWithRunner is used by tests to inject a mock CommandRunner.
func newSlurmExecutorWithRunner(cfg config.Config, logger *slog.Logger, runner CommandRunner) *SlurmExecutor {
	return &SlurmExecutor{
		cfg:    cfg,
		logger: logger.With("component", "slurm-executor"),
		runner: runner,
	}
}

func (e *SlurmExecutor) Name() string { return "slurm" }

// SubmitArgs builds the sbatch command line for task.
func (e *SlurmExecutor) SubmitArgs(task *model.Task) ([]string, model.Node, error) {
	r := task.Resources
	nodes, node, err := r.Select(e.cfg.Nodes)
	if err != nil {
		return nil, node, err
	}
	name := task.Cmd.ShortName()
	argv := []string{"sbatch"}
	if node.Name != "" {
		argv = append(argv, "--partition="+node.Name)
	}
	argv = append(argv,
		"--job-name="+name,
		fmt.Sprintf("--time=%d", (r.Tmax+59)/60),
		fmt.Sprintf("--ntasks=%d", r.Processes),
		fmt.Sprintf("--cpus-per-task=%d", r.Cores/r.Processes),
		fmt.Sprintf("--nodes=%d", nodes),
		"--chdir="+task.Folder,
		"--output="+name+".%j.out",
		"--error="+name+".%j.err",
	)
	if ids := depIDs(task); len(ids) > 0 {
		argv = append(argv, "--dependency=afterok:"+strings.Join(ids, ":"))
	}
	argv = append(argv, e.cfg.ExtraArgs...)
	argv = append(argv, node.ExtraArgs...)
	return argv, node, nil
}

func (e *SlurmExecutor) Submit(ctx context.Context, task *model.Task, opts SubmitOptions) (int64, error) {
	argv, node, err := e.SubmitArgs(task)
	if err != nil {
		return 0, err
	}
	script := jobScript(e.cfg, task, node, e.Name(), "$SLURM_JOB_ID", "")
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
	// "Submitted batch job 12345"
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("sbatch: no job id in output %q", out)
	}
	id, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sbatch: bad job id in output %q", out)
	}
	return id, nil
}

func (e *SlurmExecutor) Cancel(ctx context.Context, id int64) error {
	_, err := run(ctx, e.runner, "", []string{"scancel", strconv.FormatInt(id, 10)})
	return err
}

func (e *SlurmExecutor) Hold(ctx context.Context, id int64) error {
	_, err := run(ctx, e.runner, "", []string{"scontrol", "hold", strconv.FormatInt(id, 10)})
	return err
}

func (e *SlurmExecutor) Release(ctx context.Context, id int64) error {
	_, err := run(ctx, e.runner, "", []string{"scontrol", "release", strconv.FormatInt(id, 10)})
	return err
}

func (e *SlurmExecutor) IDs(ctx context.Context) (map[int64]bool, error) {
	out, err := run(ctx, e.runner, "", []string{"squeue", "--noheader", "--format=%i", "--user=" + e.cfg.User})
	if err != nil {
		return nil, err
	}
	return parseIDs(out), nil
}

// HasTimedOut looks for slurmstepd's time-limit message at the end of the
// error file.
func (e *SlurmExecutor) HasTimedOut(task *model.Task) bool {
	return lastLineHasSuffix(e.ErrorFile(task), "DUE TO TIME LIMIT ***")
}

// MaxRSS asks sacct for the largest MaxRSS over the job's steps.
func (e *SlurmExecutor) MaxRSS(ctx context.Context, id int64) (uint64, error) {
	out, err := run(ctx, e.runner, "", []string{
		"sacct", "--noheader", "--parsable2", "--format=MaxRSS", "--jobs=" + strconv.FormatInt(id, 10),
	})
	if err != nil {
		return 0, err
	}
	var peak uint64
	for _, line := range strings.Split(out, "\n") {
		v := strings.TrimSpace(line)
		if v == "" {
			continue
		}
		b, err := parseSlurmSize(v)
		if err != nil {
			e.logger.Debug("sacct: skipping value", "value", v, "error", err)
			continue
		}
		peak = max(peak, b)
	}
	return peak, nil
}

func (e *SlurmExecutor) ErrorFile(task *model.Task) string {
	return task.OutputFile("err")
}

// parseSlurmSize reads sizes like "2100K" or "1.5G". Slurm counts in
// powers of two; a bare number is in kilobytes.
func parseSlurmSize(v string) (uint64, error) {
	switch v[len(v)-1] {
	case 'K', 'M', 'G', 'T', 'P':
		return humanize.ParseBytes(v + "iB")
	}
	return humanize.ParseBytes(v + "KiB")
}

func lastLineHasSuffix(path, suffix string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	lines := strings.Split(strings.TrimRight(string(data), " \n\t"), "\n")
	return strings.HasSuffix(strings.TrimSpace(lines[len(lines)-1]), suffix)
}
