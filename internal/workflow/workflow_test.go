package workflow

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/internal/encode"
	"github.com/me/myqueue/internal/executor"
	"github.com/me/myqueue/internal/logging"
	"github.com/me/myqueue/internal/queue"
	"github.com/me/myqueue/internal/submit"
	"github.com/me/myqueue/pkg/model"
)

const branching = `
function f1(x) { return x * 2; }
function f2() { return 3; }
function post(n) { return n + 1; }

function workflow(wrap, run) {
	const parts = [];
	for (let i = 0; i < 3; i++) {
		parts.push(wrap(f1, {name: "f1-" + i})(i));
	}
	const n = wrap(f2, {deps: parts, tmax: "1h"})();
	if (n > 2) {
		wrap(post, {cores: 8})(n);
	}
}
`

func writeScript(t *testing.T, dir, src string) string {
	t.Helper()
	path := filepath.Join(dir, "flow.js")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func names(tasks []*model.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Cmd.Name()
	}
	return out
}

func readResult(t *testing.T, path string) any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	v, err := encode.Unmarshal(data)
	require.NoError(t, err)
	return v
}

func TestCollectStopsAtMissingResult(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, branching)

	tasks, err := Collect(context.Background(), script, dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"f1-0", "f1-1", "f1-2", "f2"}, names(tasks))

	f2 := tasks[3]
	assert.True(t, f2.Workflow)
	assert.Equal(t, model.WorkflowTask, f2.Cmd.Type)
	assert.Equal(t, script, f2.Cmd.Script)
	assert.Equal(t, 3600, f2.Resources.Tmax)
	assert.Equal(t, []string{
		filepath.Join(dir, "f1-0"),
		filepath.Join(dir, "f1-1"),
		filepath.Join(dir, "f1-2"),
	}, f2.Deps)
	assert.Empty(t, tasks[0].Deps)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f2.done"), []byte("3"), 0o644))
	tasks, err = Collect(context.Background(), script, dir, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"f1-0", "f1-1", "f1-2", "f2", "post"}, names(tasks))
	post := tasks[4]
	assert.Equal(t, []string{filepath.Join(dir, "f2")}, post.Deps)
	assert.Equal(t, 8, post.Resources.Cores)
}

func TestCollectAndSubmitAcrossRuns(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Scheduler = "test"
	cfg.Home = t.TempDir()
	require.NoError(t, os.MkdirAll(cfg.Dir(), 0o755))
	q, err := queue.Open(ctx, cfg, logging.Discard(), queue.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close(ctx) })
	sub := submit.New(q, executor.NewTestExecutor(cfg, 1, logging.Discard()), logging.Discard())

	dir := filepath.Join(cfg.Home, "work")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	script := writeScript(t, dir, branching)

	tasks, err := Collect(ctx, script, dir, Options{})
	require.NoError(t, err)
	res, err := sub.Submit(ctx, tasks, submit.Options{})
	require.NoError(t, err)
	require.Len(t, res.Submitted, 4)

	for i, name := range []string{"f1-0", "f1-1", "f1-2"} {
		data, err := encode.Marshal(int64(2 * i))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".done"), data, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f2.done"), []byte("3"), 0o644))

	tasks, err = Collect(ctx, script, dir, Options{})
	require.NoError(t, err)
	require.Len(t, tasks, 5)
	res, err = sub.Submit(ctx, tasks, submit.Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Done)
	require.Len(t, res.Submitted, 1)
	post := res.Submitted[0]
	assert.Equal(t, "post", post.Cmd.Name())
	assert.Empty(t, post.Deps)
	assert.Len(t, q.Tasks(), 5)
}

func TestCollectBranchNotTaken(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, branching)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f2.done"), []byte("1"), 0o644))

	tasks, err := Collect(context.Background(), script, dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"f1-0", "f1-1", "f1-2", "f2"}, names(tasks))
}

func TestRunWritesResult(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, branching)
	ctx := context.Background()

	require.NoError(t, Run(ctx, script, dir, "f1-2", Options{}))
	assert.Equal(t, int64(4), readResult(t, filepath.Join(dir, "f1-2.done")))
	assert.NoFileExists(t, filepath.Join(dir, "f1-0.done"))

	require.NoError(t, Run(ctx, script, dir, "f2", Options{}))
	assert.Equal(t, int64(3), readResult(t, filepath.Join(dir, "f2.done")))

	require.NoError(t, Run(ctx, script, dir, "post", Options{}))
	assert.Equal(t, int64(4), readResult(t, filepath.Join(dir, "post.done")))
}

func TestRunUnreachedTarget(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, branching)

	err := Run(context.Background(), script, dir, "post", Options{})
	var ue *model.UserError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, err.Error(), "not reached")
}

func TestRunResolvesStructuredResults(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
function stats() { return {mean: 1.5, counts: [1, 2, 3]}; }
function report(s) {
	print("mean", s.mean);
	return s.counts.length + s.mean;
}
function workflow(wrap) {
	const s = wrap(stats)();
	wrap(report)(s);
}
`)
	ctx := context.Background()
	require.NoError(t, Run(ctx, script, dir, "stats", Options{}))
	assert.Equal(t, map[string]any{
		"mean":   1.5,
		"counts": []any{int64(1), int64(2), int64(3)},
	}, readResult(t, filepath.Join(dir, "stats.done")))

	var out bytes.Buffer
	require.NoError(t, Run(ctx, script, dir, "report", Options{Out: &out}))
	assert.Equal(t, "mean 1.5\n", out.String())
	assert.Equal(t, 4.5, readResult(t, filepath.Join(dir, "report.done")))
}

func TestRunShellHelper(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
function hello() { return sh("echo hello").trim(); }
function workflow(wrap) { wrap(hello)(); }
`)
	require.NoError(t, Run(context.Background(), script, dir, "hello", Options{}))
	assert.Equal(t, "hello", readResult(t, filepath.Join(dir, "hello.done")))
}

func TestRunPlainCommands(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
function workflow(wrap, run) {
	const a = run({shell: "echo", args: ["hi", 2]});
	const b = run({script: "analyse.py", name: "analyse", deps: [a], resources: "4:2h", restart: 2});
	if (b.done) {
		run({module: "pkg.report", deps: ["analyse"], notifications: "rdF"});
	}
}
`)
	tasks, err := Collect(context.Background(), script, dir, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"echo+hi_2", "analyse"}, names(tasks))
	assert.Equal(t, model.ShellScript, tasks[0].Cmd.Type)
	assert.Equal(t, []string{"hi", "2"}, tasks[0].Cmd.Args)

	b := tasks[1]
	assert.Equal(t, model.PythonScript, b.Cmd.Type)
	assert.Equal(t, []string{filepath.Join(dir, "echo+hi_2")}, b.Deps)
	assert.Equal(t, model.Resources{Cores: 4, Processes: 4, Tmax: 7200}, b.Resources)
	assert.Equal(t, 2, b.Restart)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "analyse.done"), nil, 0o644))
	tasks, err = Collect(context.Background(), script, dir, Options{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, model.PythonModule, tasks[2].Cmd.Type)
	assert.Equal(t, []string{filepath.Join(dir, "analyse")}, tasks[2].Deps)
	assert.Equal(t, "rdF", tasks[2].Notifications)
}

func TestCollectDuplicateName(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
function f() { return 1; }
function workflow(wrap) {
	wrap(f)();
	wrap(f)();
}
`)
	_, err := Collect(context.Background(), script, dir, Options{})
	var ue *model.UserError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, err.Error(), `duplicate task name "f"`)
}

func TestCollectScriptErrors(t *testing.T) {
	dir := t.TempDir()
	for name, src := range map[string]string{
		"syntax":   "function workflow(wrap { }",
		"throws":   "function workflow() { throw new Error('boom'); }",
		"no entry": "var x = 1;",
		"self dep": "function f() {}\nfunction workflow(wrap) { wrap(f, {deps: ['f']})(); }",
	} {
		t.Run(name, func(t *testing.T) {
			script := writeScript(t, dir, src)
			_, err := Collect(context.Background(), script, dir, Options{})
			assert.Error(t, err)
		})
	}
}

func TestCollectCanceled(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "function workflow() { for (;;) {} }")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Collect(ctx, script, dir, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeFinder map[string]bool

func (f fakeFinder) IsModule(name string) bool { return f[name] }

func TestCreateTasks(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
function create_tasks() {
	const prep = task("prepare.py", {tmax: 120});
	const calc = task("mypkg.calc+1", {deps: [prep], cores: 4, processes: 2});
	return [prep, calc, task("shell:echo+done", {name: "finish", deps: ["mypkg.calc+1"]})];
}
`)
	tasks, err := Collect(context.Background(), script, dir, Options{Finder: fakeFinder{"mypkg": true}})
	require.NoError(t, err)
	require.Equal(t, []string{"prepare.py", "mypkg.calc+1", "finish"}, names(tasks))
	assert.Equal(t, model.PythonScript, tasks[0].Cmd.Type)
	assert.Equal(t, 120, tasks[0].Resources.Tmax)
	assert.Equal(t, model.PythonFunction, tasks[1].Cmd.Type)
	assert.Equal(t, []string{filepath.Join(dir, "prepare.py")}, tasks[1].Deps)
	assert.Equal(t, 2, tasks[1].Resources.Processes)
	assert.Equal(t, []string{filepath.Join(dir, "mypkg.calc+1")}, tasks[2].Deps)
	for _, task := range tasks {
		assert.True(t, task.Workflow)
	}
}

func TestFilterTargets(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, branching)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f2.done"), []byte("3"), 0o644))
	tasks, err := Collect(context.Background(), script, dir, Options{})
	require.NoError(t, err)

	got, err := FilterTargets(tasks, []string{"f2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"f1-0", "f1-1", "f1-2", "f2"}, names(got))

	got, err = FilterTargets(tasks, []string{filepath.Join(dir, "f1-1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"f1-1"}, names(got))

	got, err = FilterTargets(tasks, nil)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	_, err = FilterTargets(tasks, []string{"nope"})
	assert.Error(t, err)
}

func TestResultValuesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
function grid(a) { return a[1][2] + a.length; }
function workflow(wrap) {
	wrap(grid, {deps: []})(wrap(function src() { return 0; })());
}
`)
	arr := encode.Array{Shape: []int{2, 3}, Ints: []int64{1, 2, 3, 4, 5, 6}}
	data, err := encode.Marshal(arr)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src.done"), data, 0o644))

	require.NoError(t, Run(context.Background(), script, dir, "grid", Options{}))
	assert.Equal(t, int64(8), readResult(t, filepath.Join(dir, "grid.done")))
}
