package model

import (
	"fmt"
	"os"
	"path/filepath"
)

// Task is one unit of work: a command run in a folder with some resources
// after its dependencies have finished.
type Task struct {
	ID            int64     `json:"id"`
	Folder        string    `json:"folder"`
	Cmd           Command   `json:"cmd"`
	Resources     Resources `json:"resources"`
	Deps          []string  `json:"deps"`
	Workflow      bool      `json:"workflow"`
	State         State     `json:"state"`
	Restart       int       `json:"restart"`
	Diskspace     int64     `json:"diskspace"`
	Notifications string    `json:"notifications"`
	Creates       []string  `json:"creates"`
	TQueued       float64   `json:"tqueued"`
	TRunning      float64   `json:"trunning"`
	TStop         float64   `json:"tstop"`
	Error         string    `json:"error"`
	User          string    `json:"user"`
	Activation    string    `json:"activation,omitempty"`

	// DTasks are the resolved live dependencies. Rebuilt on every load.
	DTasks []*Task `json:"-"`
}

// NewTask creates an unsubmitted task (id 0, state undefined).
func NewTask(cmd Command, res Resources, folder string, deps []string) *Task {
	if deps == nil {
		deps = []string{}
	}
	return &Task{
		Folder:    folder,
		Cmd:       cmd,
		Resources: res,
		Deps:      deps,
		State:     StateUndefined,
		Creates:   []string{},
	}
}

// DName is the dependency key of the task: folder/name.
func (t *Task) DName() string {
	return filepath.Join(t.Folder, t.Cmd.Name())
}

// String returns "id folder/name".
func (t *Task) String() string {
	return fmt.Sprintf("%d %s", t.ID, t.DName())
}

// OutputFile returns the path of the stdout ("out") or stderr ("err") file.
func (t *Task) OutputFile(ext string) string {
	return filepath.Join(t.Folder, fmt.Sprintf("%s.%d.%s", t.Cmd.ShortName(), t.ID, ext))
}

// MarkerFile returns the path of the "done" or "FAILED" marker.
func (t *Task) MarkerFile(kind string) string {
	return t.DName() + "." + kind
}

// IsDone reports whether the work of the task already exists on disk:
// every file in Creates exists, or a workflow task has its .done marker.
func (t *Task) IsDone() bool {
	if len(t.Creates) > 0 {
		all := true
		for _, c := range t.Creates {
			if _, err := os.Stat(filepath.Join(t.Folder, c)); err != nil {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	if t.Workflow {
		if _, err := os.Stat(t.MarkerFile("done")); err == nil {
			return true
		}
	}
	return false
}

// SetState moves the task to next and stamps the matching time field.
func (t *Task) SetState(next State, now float64) error {
	if t.State == next {
		return nil
	}
	if !t.State.CanTransitionTo(next) {
		return &InvalidTransitionError{ID: t.ID, From: t.State, To: next}
	}
	prev := t.State
	t.State = next
	switch {
	case next == StateQueued && prev != StateHold:
		t.TQueued = now
		t.TRunning = 0
		t.TStop = 0
	case next == StateRunning:
		t.TRunning = max(now, t.TQueued)
	case next.IsTerminal() && prev.IsAlive():
		t.TStop = max(now, t.TRunning, t.TQueued)
	}
	return nil
}

// Draft returns an unsubmitted copy of t that can be submitted again.
func (t *Task) Draft() *Task {
	d := *t
	d.ID = 0
	d.State = StateUndefined
	d.TQueued, d.TRunning, d.TStop = 0, 0, 0
	d.Error = ""
	d.DTasks = nil
	d.Deps = append([]string{}, t.Deps...)
	d.Creates = append([]string{}, t.Creates...)
	return &d
}

// RunningTime returns the seconds spent running, measured up to now for
// tasks that have not stopped.
func (t *Task) RunningTime(now float64) float64 {
	switch {
	case t.TRunning == 0:
		return 0
	case t.TStop == 0:
		return now - t.TRunning
	}
	return t.TStop - t.TRunning
}
