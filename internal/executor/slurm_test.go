package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/me/myqueue/pkg/model"
)

func TestSlurmSubmitArgs(t *testing.T) {
	cfg := testConfig(t)
	cfg.ExtraArgs = []string{"--account=proj"}
	e := newSlurmExecutorWithRunner(cfg, newTestLogger(), &mockRunner{})

	task := testTask(t, "calc.py+1", "48:xeon24:90s")
	task.DTasks = []*model.Task{{ID: 11, State: model.StateQueued}, {ID: 12, State: model.StateRunning}}

	argv, node, err := e.SubmitArgs(task)
	if err != nil {
		t.Fatal(err)
	}
	if node.Name != "xeon24" {
		t.Errorf("node = %q", node.Name)
	}
	want := []string{
		"sbatch",
		"--partition=xeon24",
		"--job-name=calc.py",
		"--time=2",
		"--ntasks=48",
		"--cpus-per-task=1",
		"--nodes=2",
		"--chdir=/work/a",
		"--output=calc.py.%j.out",
		"--error=calc.py.%j.err",
		"--dependency=afterok:11:12",
		"--account=proj",
	}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("argv =\n%v\nwant\n%v", argv, want)
	}
}

func TestSlurmSubmitArgsNoNodes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Nodes = nil
	e := newSlurmExecutorWithRunner(cfg, newTestLogger(), &mockRunner{})
	argv, _, err := e.SubmitArgs(testTask(t, "echo", "4:2:1h"))
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range argv {
		if strings.HasPrefix(a, "--partition") {
			t.Errorf("unexpected %q without node classes", a)
		}
	}
	joined := strings.Join(argv, " ")
	for _, want := range []string{"--time=60", "--ntasks=2", "--cpus-per-task=2", "--nodes=1"} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv %v missing %q", argv, want)
		}
	}
}

func TestSlurmSubmit(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stdout: "Submitted batch job 4711\n"}}}
	e := newSlurmExecutorWithRunner(testConfig(t), newTestLogger(), runner)

	id, err := e.Submit(context.Background(), testTask(t, "echo+hello", "1:1m"), SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != 4711 {
		t.Errorf("id = %d, want 4711", id)
	}
	if len(runner.calls) != 1 || runner.calls[0].name != "sbatch" {
		t.Fatalf("calls = %+v", runner.calls)
	}
	if !strings.Contains(runner.calls[0].stdin, "id=$SLURM_JOB_ID\n") {
		t.Errorf("job script not fed on stdin:\n%s", runner.calls[0].stdin)
	}
}

func TestSlurmSubmitError(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stderr: "sbatch: error: invalid partition\n", exitCode: 1}}}
	e := newSlurmExecutorWithRunner(testConfig(t), newTestLogger(), runner)

	_, err := e.Submit(context.Background(), testTask(t, "echo", "1:1m"), SubmitOptions{})
	var se *model.SchedulerError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SchedulerError", err)
	}
	if !strings.Contains(se.Error(), "invalid partition") {
		t.Errorf("error %q does not carry stderr", se.Error())
	}
}

func TestSlurmSubmitDryRun(t *testing.T) {
	runner := &mockRunner{}
	e := newSlurmExecutorWithRunner(testConfig(t), newTestLogger(), runner)
	var buf bytes.Buffer

	id1, err := e.Submit(context.Background(), testTask(t, "echo", "1:1m"), SubmitOptions{DryRun: true, Out: &buf})
	if err != nil {
		t.Fatal(err)
	}
	id2, _ := e.Submit(context.Background(), testTask(t, "ls", "1:1m"), SubmitOptions{DryRun: true, Out: &buf})
	if id1 != 1 || id2 != 2 {
		t.Errorf("dry-run ids = %d, %d", id1, id2)
	}
	if len(runner.calls) != 0 {
		t.Errorf("dry run called the backend: %+v", runner.calls)
	}
	if !strings.HasPrefix(buf.String(), "sbatch ") {
		t.Errorf("dry-run output = %q", buf.String())
	}
}

func TestSlurmCommands(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{}, {}, {}, {stdout: "7\n8\n"}}}
	e := newSlurmExecutorWithRunner(testConfig(t), newTestLogger(), runner)
	ctx := context.Background()

	if err := e.Cancel(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if err := e.Hold(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if err := e.Release(ctx, 7); err != nil {
		t.Fatal(err)
	}
	ids, err := e.IDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ids[7] || !ids[8] || len(ids) != 2 {
		t.Errorf("IDs = %v", ids)
	}

	want := [][]string{
		{"scancel", "7"},
		{"scontrol", "hold", "7"},
		{"scontrol", "release", "7"},
		{"squeue", "--noheader", "--format=%i", "--user=alice"},
	}
	for i, c := range runner.calls {
		got := append([]string{c.name}, c.args...)
		if !reflect.DeepEqual(got, want[i]) {
			t.Errorf("call %d = %v, want %v", i, got, want[i])
		}
	}
}

func TestSlurmHasTimedOut(t *testing.T) {
	e := newSlurmExecutorWithRunner(testConfig(t), newTestLogger(), &mockRunner{})
	task := testTask(t, "sleep+100", "1:1m")
	task.Folder = t.TempDir()
	task.ID = 33

	if e.HasTimedOut(task) {
		t.Error("HasTimedOut without error file")
	}
	msg := "slurmstepd: error: *** JOB 33 ON node1 CANCELLED AT 2024-01-01T00:00:00 DUE TO TIME LIMIT ***\n\n"
	if err := os.WriteFile(filepath.Join(task.Folder, "sleep.33.err"), []byte(msg), 0o644); err != nil {
		t.Fatal(err)
	}
	if !e.HasTimedOut(task) {
		t.Error("HasTimedOut = false with time-limit message")
	}
}

func TestSlurmMaxRSS(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stdout: "\n2048K\n1.5G\n\n"}}}
	e := newSlurmExecutorWithRunner(testConfig(t), newTestLogger(), runner)
	rss, err := e.MaxRSS(context.Background(), 12)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint64(1.5 * (1 << 30)); rss != want {
		t.Errorf("MaxRSS = %d, want %d", rss, want)
	}
	if got := runner.calls[0].args[len(runner.calls[0].args)-1]; got != "--jobs=12" {
		t.Errorf("last sacct arg = %q", got)
	}
}
