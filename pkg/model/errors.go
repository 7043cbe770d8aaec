package model

import (
	"fmt"
	"strings"
)

// UserError is a problem caused by how mq was invoked: bad arguments, a
// missing folder, an unknown state letter or a missing configuration.
// It is shown to the user as a single line.
type UserError struct {
	Message string
}

func (e *UserError) Error() string {
	return e.Message
}

// Errorf creates a UserError with a formatted message.
func Errorf(format string, args ...any) *UserError {
	return &UserError{Message: fmt.Sprintf(format, args...)}
}

// SchedulerError is returned when a backend command (sbatch, qsub, bsub,
// scancel, ...) fails. Its message is the command output verbatim.
type SchedulerError struct {
	Command  []string
	Stdout   string
	Stderr   string
	ExitCode int
}

func (e *SchedulerError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed (exit code %d)", strings.Join(e.Command, " "), e.ExitCode)
	if out := strings.TrimRight(e.Stdout, "\n"); out != "" {
		b.WriteString("\n")
		b.WriteString(out)
	}
	if out := strings.TrimRight(e.Stderr, "\n"); out != "" {
		b.WriteString("\n")
		b.WriteString(out)
	}
	return b.String()
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	ID   int64
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task state transition: %s → %s (task %d)", e.From, e.To, e.ID)
}
