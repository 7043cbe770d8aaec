package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestTask(folder string) *Task {
	res, _ := NewResources(1, 0, "", 60)
	return NewTask(Command{Type: ShellScript, Cmd: "echo", Args: []string{"hi"}}, res, folder, nil)
}

func TestTask_Paths(t *testing.T) {
	task := newTestTask("/home/u/run")
	task.ID = 12
	if got := task.DName(); got != "/home/u/run/echo+hi" {
		t.Errorf("DName() = %q", got)
	}
	if got := task.OutputFile("err"); got != "/home/u/run/echo.12.err" {
		t.Errorf("OutputFile(err) = %q", got)
	}
	if got := task.MarkerFile("done"); got != "/home/u/run/echo+hi.done" {
		t.Errorf("MarkerFile(done) = %q", got)
	}
}

func TestTask_SetState(t *testing.T) {
	task := newTestTask("/tmp")
	if err := task.SetState(StateQueued, 100); err != nil {
		t.Fatal(err)
	}
	if err := task.SetState(StateRunning, 110); err != nil {
		t.Fatal(err)
	}
	if err := task.SetState(StateDone, 120); err != nil {
		t.Fatal(err)
	}
	if task.TQueued != 100 || task.TRunning != 110 || task.TStop != 120 {
		t.Errorf("times = %v %v %v", task.TQueued, task.TRunning, task.TStop)
	}
	if err := task.SetState(StateQueued, 130); err == nil {
		t.Error("expected invalid transition done → queued")
	}
}

func TestTask_SetState_TimesMonotone(t *testing.T) {
	task := newTestTask("/tmp")
	_ = task.SetState(StateQueued, 100)
	// A drop file can carry an older timestamp than tqueued.
	_ = task.SetState(StateRunning, 90)
	_ = task.SetState(StateFailed, 80)
	if !(task.TQueued <= task.TRunning && task.TRunning <= task.TStop) {
		t.Errorf("times not ordered: %v %v %v", task.TQueued, task.TRunning, task.TStop)
	}
}

func TestTask_IsDone(t *testing.T) {
	dir := t.TempDir()
	task := newTestTask(dir)
	if task.IsDone() {
		t.Fatal("fresh task reported done")
	}
	task.Workflow = true
	if err := os.WriteFile(task.MarkerFile("done"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if !task.IsDone() {
		t.Error("workflow task with marker not done")
	}

	other := newTestTask(dir)
	other.Creates = []string{"out.txt"}
	if other.IsDone() {
		t.Error("creates missing but reported done")
	}
	os.WriteFile(filepath.Join(dir, "out.txt"), []byte("x"), 0o644)
	if !other.IsDone() {
		t.Error("creates present but not done")
	}
}

func TestTask_JSONStable(t *testing.T) {
	task := newTestTask("/w")
	task.ID = 3
	task.State = StateRunning
	task.TQueued = 1700000000.25
	task.TRunning = 1700000100.125
	task.Deps = []string{"/w/a", "/w/b"}
	first, err := json.Marshal(task)
	if err != nil {
		t.Fatal(err)
	}
	var back Task
	if err := json.Unmarshal(first, &back); err != nil {
		t.Fatal(err)
	}
	second, _ := json.Marshal(&back)
	if string(first) != string(second) {
		t.Errorf("not byte identical:\n%s\n%s", first, second)
	}
}

func TestTask_Draft(t *testing.T) {
	task := newTestTask("/w")
	task.ID = 5
	task.State = StateTimeout
	task.TStop = 10
	task.Error = "x"
	d := task.Draft()
	if d.ID != 0 || d.State != StateUndefined || d.TStop != 0 || d.Error != "" {
		t.Errorf("Draft() = %+v", d)
	}
	d.Deps = append(d.Deps, "/w/z")
	if len(task.Deps) != 0 {
		t.Error("Draft shares deps slice with original")
	}
}
