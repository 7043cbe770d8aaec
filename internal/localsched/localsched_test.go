package localsched

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/internal/executor"
	"github.com/me/myqueue/internal/fsutil"
	"github.com/me/myqueue/pkg/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	cfg    config.Config
	server *Server
	client *Client
	folder string
}

func newFixture(t *testing.T, maxRunning int) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Home = t.TempDir()
	require.NoError(t, os.MkdirAll(cfg.Dir(), 0o755))

	s := New(maxRunning, 1, newTestLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Shutdown()
		ts.Close()
	})
	cfg.Local.Address = strings.TrimPrefix(ts.URL, "http://")
	folder := filepath.Join(cfg.Home, "work")
	require.NoError(t, os.MkdirAll(folder, 0o755))
	return &fixture{cfg: cfg, server: s, client: NewClient(cfg, newTestLogger()), folder: folder}
}

func (f *fixture) task(t *testing.T, cmd string, tmax int, deps ...*model.Task) *model.Task {
	t.Helper()
	c, err := model.ParseCommand(cmd, nil)
	require.NoError(t, err)
	res, err := model.NewResources(1, 1, "", tmax)
	require.NoError(t, err)
	task := model.NewTask(c, res, f.folder, nil)
	task.DTasks = deps
	task.State = model.StateQueued
	return task
}

func (f *fixture) submit(t *testing.T, task *model.Task) int64 {
	t.Helper()
	id, err := f.client.Submit(context.Background(), task, executor.SubmitOptions{})
	require.NoError(t, err)
	task.ID = id
	return id
}

func (f *fixture) dropped(name string) bool {
	return fsutil.Exists(filepath.Join(f.cfg.Dir(), name))
}

func (f *fixture) waitDrop(t *testing.T, name string) {
	t.Helper()
	require.Eventually(t, func() bool { return f.dropped(name) }, 10*time.Second, 20*time.Millisecond, "drop file %s", name)
}

func (f *fixture) ids(t *testing.T) []int64 {
	t.Helper()
	m, err := f.client.IDs(context.Background())
	require.NoError(t, err)
	var ids []int64
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

func TestRunsDependencyChain(t *testing.T) {
	f := newFixture(t, 2)
	first := f.task(t, "sleep+0.2", 60)
	assert.Equal(t, int64(1), f.submit(t, first))
	second := f.task(t, "echo+hello", 60, first)
	assert.Equal(t, int64(2), f.submit(t, second))

	f.waitDrop(t, "local-2-1")
	assert.True(t, f.dropped("local-1-0"))
	assert.True(t, f.dropped("local-1-1"))
	assert.True(t, f.dropped("local-2-0"))

	out, err := os.ReadFile(filepath.Join(f.folder, "echo.2.out"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
	assert.FileExists(t, filepath.Join(f.folder, "echo.2.err"))
	assert.Empty(t, f.ids(t))
}

func TestFailureDropsDependents(t *testing.T) {
	f := newFixture(t, 1)
	first := f.task(t, "false", 60)
	f.submit(t, first)
	second := f.task(t, "echo+never", 60, first)
	f.submit(t, second)

	f.waitDrop(t, "local-1-2")
	assert.Eventually(t, func() bool { return len(f.ids(t)) == 0 }, 5*time.Second, 20*time.Millisecond)
	assert.False(t, f.dropped("local-2-0"))
	assert.NoFileExists(t, filepath.Join(f.folder, "echo.2.out"))
}

func TestDependentOfFinishedFailureIsDropped(t *testing.T) {
	f := newFixture(t, 1)
	first := f.task(t, "false", 60)
	f.submit(t, first)
	f.waitDrop(t, "local-1-2")
	require.Eventually(t, func() bool { return len(f.ids(t)) == 0 }, 5*time.Second, 20*time.Millisecond)

	// The controller has not seen the failure yet, so first is still queued.
	second := f.task(t, "echo+ran", 60, first)
	assert.Equal(t, int64(2), f.submit(t, second))
	third := f.task(t, "echo+ran+too", 60, second)
	assert.Equal(t, int64(3), f.submit(t, third))

	time.Sleep(200 * time.Millisecond)
	assert.False(t, f.dropped("local-2-0"))
	assert.False(t, f.dropped("local-3-0"))
	assert.NoFileExists(t, filepath.Join(f.folder, "echo.2.out"))
	assert.Empty(t, f.ids(t))
}

func TestCanceledQueuedJobDropsDependents(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.submit(t, f.task(t, "sleep+0.3", 60))
	waiting := f.task(t, "echo+waiting", 60)
	f.submit(t, waiting)
	require.NoError(t, f.client.Cancel(ctx, waiting.ID))

	f.submit(t, f.task(t, "echo+after", 60, waiting))
	f.waitDrop(t, "local-1-1")
	time.Sleep(200 * time.Millisecond)
	assert.False(t, f.dropped("local-2-0"))
	assert.False(t, f.dropped("local-3-0"))
	assert.Empty(t, f.ids(t))
}

func TestShutdownLetsRunningTaskFinish(t *testing.T) {
	f := newFixture(t, 1)
	f.submit(t, f.task(t, "sleep+0.3", 60))
	f.waitDrop(t, "local-1-0")

	f.server.Shutdown()
	assert.True(t, f.dropped("local-1-1"))
}

func TestShutdownTerminatesSlowTask(t *testing.T) {
	f := newFixture(t, 1)
	f.server.termGrace = 100 * time.Millisecond
	f.submit(t, f.task(t, "sleep+30", 60))
	f.waitDrop(t, "local-1-0")

	start := time.Now()
	f.server.Shutdown()
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, f.dropped("local-1-1"))
	assert.False(t, f.dropped("local-1-2"))
}

func TestTimeout(t *testing.T) {
	f := newFixture(t, 1)
	f.submit(t, f.task(t, "sleep+5", 1))

	f.waitDrop(t, "local-1-3")
	assert.False(t, f.dropped("local-1-1"))
	assert.False(t, f.dropped("local-1-2"))
}

func TestHoldAndRelease(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.submit(t, f.task(t, "sleep+0.3", 60))
	id := f.submit(t, f.task(t, "echo+later", 60))
	require.NoError(t, f.client.Hold(ctx, id))

	f.waitDrop(t, "local-1-1")
	time.Sleep(100 * time.Millisecond)
	assert.False(t, f.dropped("local-2-0"))
	assert.Equal(t, []int64{2}, f.ids(t))

	require.NoError(t, f.client.Release(ctx, id))
	f.waitDrop(t, "local-2-1")
}

func TestCancelRunning(t *testing.T) {
	f := newFixture(t, 1)
	id := f.submit(t, f.task(t, "sleep+30", 60))
	f.waitDrop(t, "local-1-0")

	require.NoError(t, f.client.Cancel(context.Background(), id))
	assert.Eventually(t, func() bool { return len(f.ids(t)) == 0 }, 10*time.Second, 20*time.Millisecond)
	assert.False(t, f.dropped("local-1-1"))
	assert.False(t, f.dropped("local-1-2"))
	assert.False(t, f.dropped("local-1-3"))
}

func TestUnknownIDs(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	assert.NoError(t, f.client.Cancel(ctx, 99))
	err := f.client.Hold(ctx, 99)
	var se *model.SchedulerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.ExitCode)
	assert.Contains(t, se.Error(), "unknown task id 99")
}

func TestMinID(t *testing.T) {
	f := newFixture(t, 1)
	f.client.SetMinID(50)
	assert.Equal(t, int64(50), f.submit(t, f.task(t, "true", 60)))
	assert.Equal(t, int64(51), f.submit(t, f.task(t, "true", 60)))
}

func TestDryRun(t *testing.T) {
	cfg := config.Default()
	cfg.Home = t.TempDir()
	cfg.Local.Address = "127.0.0.1:1"
	c := NewClient(cfg, newTestLogger())

	task := model.NewTask(model.Command{Type: model.ShellScript, Cmd: "echo", Args: []string{"hi"}},
		model.Resources{Cores: 1, Processes: 1, Tmax: 60}, "/work/a", nil)
	var out bytes.Buffer
	id, err := c.Submit(context.Background(), task, executor.SubmitOptions{DryRun: true, Out: &out})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, "local: cd /work/a && echo hi\n", out.String())
}

func TestNotRunning(t *testing.T) {
	cfg := config.Default()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.Local.Address = ln.Addr().String()
	require.NoError(t, ln.Close())

	err = NewClient(cfg, newTestLogger()).Ping(context.Background())
	var ue *model.UserError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, err.Error(), "mq local serve")
}

func TestServeUntilStopped(t *testing.T) {
	cfg := config.Default()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.Local.Address = ln.Addr().String()

	s := New(1, 1, newTestLogger())
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background(), ln) }()

	c := NewClient(cfg, newTestLogger())
	require.Eventually(t, func() bool { return c.Ping(context.Background()) == nil }, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
