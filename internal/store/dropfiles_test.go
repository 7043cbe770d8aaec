package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/me/myqueue/pkg/model"
)

func TestReadDropFiles(t *testing.T) {
	dir := t.TempDir()
	for _, d := range []struct {
		id   int64
		code int
		age  time.Duration
	}{
		{2, CodeDone, 1 * time.Second},
		{1, CodeRunning, 3 * time.Second},
		{1, CodeFailed, 2 * time.Second},
		{3, CodeTimeout, 0},
	} {
		if err := WriteDropFile(dir, "slurm", d.id, d.code); err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(dir, DropFileName("slurm", d.id, d.code))
		ts := time.Now().Add(-d.age)
		os.Chtimes(path, ts, ts)
	}
	// Ignored: other scheduler, unknown code, unrelated file.
	WriteDropFile(dir, "pbs", 9, CodeDone)
	os.WriteFile(filepath.Join(dir, "slurm-4-7"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "config.yaml"), nil, 0o644)

	drops, err := ReadDropFiles(dir, "slurm")
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		id    int64
		state model.State
	}{
		{1, model.StateRunning},
		{1, model.StateFailed},
		{2, model.StateDone},
		{3, model.StateTimeout},
	}
	if len(drops) != len(want) {
		t.Fatalf("got %d drop files, want %d: %+v", len(drops), len(want), drops)
	}
	for i, w := range want {
		if drops[i].ID != w.id || drops[i].State != w.state {
			t.Errorf("drop %d = %d/%s, want %d/%s", i, drops[i].ID, drops[i].State, w.id, w.state)
		}
	}
}

func TestReadDropFiles_SameTime(t *testing.T) {
	dir := t.TempDir()
	ts := time.Now()
	for _, f := range []struct {
		id   int64
		code int
	}{{4, CodeDone}, {4, CodeRunning}, {2, CodeDone}} {
		WriteDropFile(dir, "test", f.id, f.code)
		os.Chtimes(filepath.Join(dir, DropFileName("test", f.id, f.code)), ts, ts)
	}
	drops, err := ReadDropFiles(dir, "test")
	if err != nil {
		t.Fatal(err)
	}
	if len(drops) != 3 {
		t.Fatalf("got %d drop files", len(drops))
	}
	want := []struct {
		id    int64
		state model.State
	}{{2, model.StateDone}, {4, model.StateRunning}, {4, model.StateDone}}
	for i, w := range want {
		if drops[i].ID != w.id || drops[i].State != w.state {
			t.Errorf("drop %d = %d %s, want %d %s", i, drops[i].ID, drops[i].State, w.id, w.state)
		}
	}
}
