package executor

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/me/myqueue/pkg/model"
)

// Executor is a batch-scheduler backend that runs Tasks.
type Executor interface {
	// Name returns the scheduler name used in config.yaml and drop files.
	Name() string

	// Submit hands a task to the backend and returns its job id. The ids
	// of task.DTasks are passed on as dependencies.
	Submit(ctx context.Context, task *model.Task, opts SubmitOptions) (int64, error)

	// Cancel removes a queued job or kills a running one.
	Cancel(ctx context.Context, id int64) error

	// Hold keeps a queued job from starting; Release undoes it.
	Hold(ctx context.Context, id int64) error
	Release(ctx context.Context, id int64) error

	// IDs returns the ids of all jobs the backend still knows about.
	IDs(ctx context.Context) (map[int64]bool, error)

	// HasTimedOut reports whether the backend says task hit its time limit.
	HasTimedOut(task *model.Task) bool

	// MaxRSS returns the peak memory use of a job in bytes, or 0 when the
	// backend does not report it.
	MaxRSS(ctx context.Context, id int64) (uint64, error)

	// ErrorFile is where the job's stderr ends up.
	ErrorFile(task *model.Task) string
}

// SubmitOptions modify a submission.
type SubmitOptions struct {
	// DryRun prints what would be submitted and returns a made-up id.
	DryRun bool
	// Verbose prints the submit command and job script.
	Verbose bool
	// Out receives dry-run and verbose output.
	Out io.Writer
}

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, stdin, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// osCommandRunner is the real implementation using os/exec.
type osCommandRunner struct{}

func (r *osCommandRunner) Run(ctx context.Context, stdin, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	runErr := cmd.Run()

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	switch e := runErr.(type) {
	case nil:
		return stdout, stderr, 0, nil
	case *exec.ExitError:
		return stdout, stderr, e.ExitCode(), nil
	default:
		return stdout, stderr, -1, runErr
	}
}

// run executes a backend command and turns a non-zero exit into a
// SchedulerError carrying the output verbatim.
func run(ctx context.Context, runner CommandRunner, stdin string, argv []string) (string, error) {
	stdout, stderr, code, err := runner.Run(ctx, stdin, argv[0], argv[1:]...)
	if err != nil || code != 0 {
		if err != nil && stderr == "" {
			stderr = err.Error()
		}
		return "", &model.SchedulerError{Command: argv, Stdout: stdout, Stderr: stderr, ExitCode: code}
	}
	return stdout, nil
}

// depIDs returns the job ids of the live dependencies of task.
func depIDs(task *model.Task) []string {
	var ids []string
	for _, d := range task.DTasks {
		if d.ID > 0 && d.State.IsAlive() {
			ids = append(ids, strconv.FormatInt(d.ID, 10))
		}
	}
	return ids
}

// parseIDs reads one job id per line, skipping anything that does not
// start with a number. "1234.server" and "1234_5" both give 1234.
func parseIDs(out string) map[int64]bool {
	ids := map[int64]bool{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		f := fields[0]
		end := 0
		for end < len(f) && f[end] >= '0' && f[end] <= '9' {
			end++
		}
		if end == 0 {
			continue
		}
		if id, err := strconv.ParseInt(f[:end], 10, 64); err == nil {
			ids[id] = true
		}
	}
	return ids
}
