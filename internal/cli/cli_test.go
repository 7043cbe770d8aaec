package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/internal/logging"
	"github.com/me/myqueue/pkg/model"
)

// newTree creates an initialized tree using the in-process test scheduler
// and returns its root and a folder inside it.
func newTree(t *testing.T) (root, folder string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(config.TestingEnv, "1")
	t.Setenv(config.HomeEnv, "")
	t.Setenv(logging.DebugEnv, "")

	root = filepath.Join(home, "project")
	folder = filepath.Join(root, "a")
	if err := os.MkdirAll(folder, 0o755); err != nil {
		t.Fatal(err)
	}
	if out, errOut, code := mq(t, "init", root); code != 0 {
		t.Fatalf("init failed: %s%s", out, errOut)
	}
	return root, folder
}

// mq runs the CLI and returns stdout, stderr and the exit code.
func mq(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := Execute(context.Background(), args, &out, &errOut)
	return out.String(), errOut.String(), code
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, errOut, code := mq(t, args...)
	if code != 0 {
		t.Fatalf("mq %s: exit %d\nstdout:\n%s\nstderr:\n%s", strings.Join(args, " "), code, out, errOut)
	}
	return out
}

func TestInitWritesConfig(t *testing.T) {
	root, _ := newTree(t)

	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Scheduler != "test" {
		t.Errorf("scheduler = %q, want test", cfg.Scheduler)
	}
	known, err := config.KnownFolders()
	if err != nil {
		t.Fatal(err)
	}
	if len(known) != 1 || known[0] != root {
		t.Errorf("known folders = %v, want [%s]", known, root)
	}

	out := mustRun(t, "init", root)
	if !strings.Contains(out, "already a MyQueue tree") {
		t.Errorf("second init: %q", out)
	}
}

func TestSubmitAndList(t *testing.T) {
	_, folder := newTree(t)

	out := mustRun(t, "submit", "shell:echo+hello", folder)
	if !strings.Contains(out, "1 task submitted") {
		t.Errorf("submit output: %q", out)
	}

	data, err := os.ReadFile(filepath.Join(folder, "echo.1.out"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("output = %q", data)
	}

	out = mustRun(t, "ls", folder)
	for _, want := range []string{"echo+hello", "done", "Total: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}

	out = mustRun(t, "list", "-c", "in", folder)
	if strings.Contains(out, "state") {
		t.Errorf("state column shown with -c in:\n%s", out)
	}
}

func TestSubmitSkipsFailedDependency(t *testing.T) {
	_, folder := newTree(t)

	mustRun(t, "submit", "shell:false", folder)
	out := mustRun(t, "ls", "-s", "F", folder)
	if !strings.Contains(out, "FAILED") {
		t.Fatalf("false did not fail:\n%s", out)
	}

	out = mustRun(t, "submit", "shell:echo+later", "-d", "false", folder)
	if !strings.Contains(out, "1 task skipped because of dependencies") {
		t.Errorf("submit output: %q", out)
	}
}

func TestResubmitKeepsSkippedTask(t *testing.T) {
	_, folder := newTree(t)
	script := filepath.Join(folder, "flow.js")
	err := os.WriteFile(script, []byte(`
function workflow(wrap, run) {
	const a = run({shell: "false"});
	run({shell: "echo", args: ["later"], deps: [a]});
}
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	mustRun(t, "workflow", script, folder)
	out := mustRun(t, "ls", folder)
	if !strings.Contains(out, "FAILED") || !strings.Contains(out, "CANCELED") {
		t.Fatalf("workflow did not fail and cancel:\n%s", out)
	}

	out = mustRun(t, "resubmit", "-s", "C", folder)
	if !strings.Contains(out, "1 task skipped because of dependencies") {
		t.Errorf("resubmit output: %q", out)
	}
	out = mustRun(t, "ls", folder)
	for _, want := range []string{"echo+later", "CANCELED", "Total: 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q after resubmit:\n%s", want, out)
		}
	}
}

func TestDryRunSubmitsNothing(t *testing.T) {
	_, folder := newTree(t)

	out := mustRun(t, "-z", "submit", "shell:echo+hi", folder)
	if !strings.Contains(out, "1 task to submit") {
		t.Errorf("dry-run output: %q", out)
	}
	out = mustRun(t, "ls", folder)
	if !strings.Contains(out, "No tasks") {
		t.Errorf("dry run left tasks behind:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(folder, "echo.1.out")); err == nil {
		t.Error("dry run executed the task")
	}
}

func TestRemove(t *testing.T) {
	_, folder := newTree(t)
	mustRun(t, "submit", "shell:echo+hello", folder)

	_, errOut, code := mq(t, "rm", folder)
	if code != 1 || !strings.Contains(errOut, "specify task ids") {
		t.Errorf("rm without selection: code %d, stderr %q", code, errOut)
	}

	out := mustRun(t, "rm", "-i", "1", folder)
	if !strings.Contains(out, "Removed 1 task") {
		t.Errorf("rm output: %q", out)
	}
	out = mustRun(t, "ls", folder)
	if !strings.Contains(out, "No tasks") {
		t.Errorf("task still listed:\n%s", out)
	}
}

func TestModifyRejectsInvalidTransition(t *testing.T) {
	_, folder := newTree(t)
	mustRun(t, "submit", "shell:echo+hello", folder)

	_, errOut, code := mq(t, "modify", "-i", "1", "-N", "h", folder)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut, "done → hold") {
		t.Errorf("stderr = %q", errOut)
	}
	if strings.Contains(errOut, "-T") {
		t.Errorf("user error shows traceback hint: %q", errOut)
	}
}

func TestInfoExport(t *testing.T) {
	root, folder := newTree(t)
	mustRun(t, "submit", "shell:echo+hello", folder)

	out := mustRun(t, "info", root)
	if !strings.Contains(out, "scheduler:  test") {
		t.Errorf("info output:\n%s", out)
	}

	path := filepath.Join(t.TempDir(), "queue.json")
	out = mustRun(t, "info", "--export", path, root)
	if !strings.Contains(out, "Wrote 1 task") {
		t.Errorf("export output: %q", out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "echo") {
		t.Errorf("export does not contain the task: %s", data)
	}

	out = mustRun(t, "info", "-i", "1", root)
	if !strings.Contains(out, `"state": "done"`) {
		t.Errorf("task info:\n%s", out)
	}
}

func TestListAll(t *testing.T) {
	root, folder := newTree(t)
	mustRun(t, "submit", "shell:echo+hello", folder)

	out := mustRun(t, "ls", "-A")
	if !strings.Contains(out, root+":") || !strings.Contains(out, "echo+hello") {
		t.Errorf("ls -A output:\n%s", out)
	}
}

func TestNotInTree(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(config.HomeEnv, "")

	_, errOut, code := mq(t, "ls", home)
	if code != 1 || !strings.Contains(errOut, "mq init") {
		t.Errorf("code %d, stderr %q", code, errOut)
	}
}

func TestPrintError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		trace   bool
		want    []string
		notWant []string
	}{
		{
			name:    "user error",
			err:     fmt.Errorf("submit: %w", model.Errorf("bad resource string %q", "x")),
			want:    []string{"Error:", `bad resource string "x"`},
			notWant: []string{"-T"},
		},
		{
			name: "scheduler error",
			err: &model.SchedulerError{
				Command:  []string{"sbatch", "--partition=xeon24"},
				Stderr:   "sbatch: error: invalid partition",
				ExitCode: 1,
			},
			want:    []string{"sbatch --partition=xeon24 failed (exit code 1)", "invalid partition"},
			notWant: []string{"Error:"},
		},
		{
			name: "internal error",
			err:  fmt.Errorf("open store: %w", os.ErrPermission),
			want: []string{"Error:", "permission denied", "use -T"},
		},
		{
			name:  "traceback",
			err:   fmt.Errorf("open store: %w", errors.New("disk on fire")),
			trace: true,
			want:  []string{"*fmt.wrapError: open store: disk on fire", "*errors.errorString: disk on fire"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b bytes.Buffer
			PrintError(&b, tt.err, tt.trace)
			for _, w := range tt.want {
				if !strings.Contains(b.String(), w) {
					t.Errorf("missing %q in %q", w, b.String())
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(b.String(), w) {
					t.Errorf("unexpected %q in %q", w, b.String())
				}
			}
		})
	}
}

func TestSortTasks(t *testing.T) {
	tasks := []*model.Task{
		{ID: 2, State: model.StateDone},
		{ID: 1, State: model.StateFailed},
		{ID: 3, State: model.StateQueued},
	}
	if err := sortTasks(tasks, "i", 0); err != nil {
		t.Fatal(err)
	}
	if tasks[0].ID != 1 || tasks[2].ID != 3 {
		t.Errorf("sort by id: %v %v %v", tasks[0].ID, tasks[1].ID, tasks[2].ID)
	}
	if err := sortTasks(tasks, "s-", 0); err != nil {
		t.Fatal(err)
	}
	if tasks[2].State != model.StateQueued {
		t.Errorf("reverse sort by state ends with %s", tasks[2].State)
	}
	if err := sortTasks(tasks, "x", 0); err == nil {
		t.Error("unknown column accepted")
	}
}
