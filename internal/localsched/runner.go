package localsched

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/me/myqueue/internal/store"
	"github.com/me/myqueue/pkg/model"
)

const (
	codeRunning = store.CodeRunning
	codeDone    = store.CodeDone
	codeFailed  = store.CodeFailed
	codeTimeout = store.CodeTimeout
	// codeNone finishes a job without reporting anything.
	codeNone = -1
)

// shellLine is what sh -c runs for a job.
func shellLine(j *job) string {
	cmd := j.command
	if j.task.Activation != "" {
		cmd = ". " + model.ShellQuote(j.task.Activation) + " && " + cmd
	}
	return fmt.Sprintf("cd %s && %s 2> %s > %s",
		model.ShellQuote(j.task.Folder),
		cmd,
		model.ShellQuote(j.task.OutputFile("err")),
		model.ShellQuote(j.task.OutputFile("out")),
	)
}

// startLocked launches j and reports whether it is running.
func (s *Server) startLocked(j *job) bool {
	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(j.task.Resources.Tmax)*time.Second)
	cmd := exec.CommandContext(ctx, "sh", "-c", shellLine(j))
	cmd.Env = append(os.Environ(), "MYQUEUE_TASK_ID="+strconv.FormatInt(j.id, 10))
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = s.termGrace

	s.drop(j, codeRunning)
	if err := cmd.Start(); err != nil {
		cancel()
		s.logger.Error("task could not start", "id", j.id, "error", err)
		s.finishLocked(j, codeFailed)
		return false
	}
	j.running = true
	j.cancel = cancel
	s.logger.Info("task started", "id", j.id, "pid", cmd.Process.Pid, "tmax", j.task.Resources.Tmax)

	s.wg.Add(1)
	go s.watch(ctx, j, cmd)
	return true
}

// watch waits for a job to exit, records how it ended and starts the
// next ones.
func (s *Server) watch(ctx context.Context, j *job, cmd *exec.Cmd) {
	defer s.wg.Done()
	err := cmd.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	j.cancel()
	code := codeDone
	switch {
	case j.canceled:
		code = codeNone
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		code = codeTimeout
	case err != nil:
		code = codeFailed
	}
	s.logger.Info("task finished", "id", j.id, "code", code, "error", err)
	s.finishLocked(j, code)
	s.kickLocked()
}

func (s *Server) drop(j *job, code int) {
	if err := store.WriteDropFile(j.dir, SchedulerName, j.id, code); err != nil {
		s.logger.Error("write drop file", "id", j.id, "code", code, "error", err)
	}
}
