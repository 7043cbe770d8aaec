package localsched

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/internal/executor"
	"github.com/me/myqueue/pkg/model"
)

// Client submits tasks to a running local scheduler.
type Client struct {
	cfg        config.Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	minID int64
	dryID int64
}

var _ executor.Executor = (*Client)(nil)

// NewClient creates a client for the server at cfg.Local.Address.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		baseURL: "http://" + cfg.Local.Address,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With("component", "local-client"),
	}
}

// SetMinID makes the server hand out ids of at least id, so ids stay
// unique within the tree's queue.
func (c *Client) SetMinID(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minID = id
}

func (c *Client) Name() string { return SchedulerName }

func (c *Client) Submit(ctx context.Context, task *model.Task, opts executor.SubmitOptions) (int64, error) {
	command := executor.LocalCommandLine(c.cfg, task)
	if (opts.DryRun || opts.Verbose) && opts.Out != nil {
		fmt.Fprintf(opts.Out, "%s: cd %s && %s\n", SchedulerName, model.ShellQuote(task.Folder), command)
	}
	c.mu.Lock()
	minID := c.minID
	if opts.DryRun {
		c.dryID++
		id := c.dryID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	req := SubmitRequest{
		Task:    *task,
		Command: command,
		Dir:     c.cfg.Dir(),
		MinID:   minID,
	}
	for _, d := range task.DTasks {
		if d.ID > 0 && d.State.IsAlive() {
			req.Deps = append(req.Deps, d.ID)
		}
	}
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/tasks", req, &resp); err != nil {
		return 0, err
	}
	c.SetMinID(resp.ID + 1)
	c.logger.Debug("task submitted", "id", resp.ID, "task", task.Cmd.Name())
	return resp.ID, nil
}

// Cancel removes a job. Jobs the server has already forgotten are
// finished, so that is not an error.
func (c *Client) Cancel(ctx context.Context, id int64) error {
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/cancel", id), nil, nil)
	var se *model.SchedulerError
	if errors.As(err, &se) && se.ExitCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) Hold(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/hold", id), nil, nil)
}

func (c *Client) Release(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/release", id), nil, nil)
}

func (c *Client) IDs(ctx context.Context) (map[int64]bool, error) {
	var ids []int64
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, &ids); err != nil {
		return nil, err
	}
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// HasTimedOut is false: the server itself reports timeouts.
func (c *Client) HasTimedOut(*model.Task) bool { return false }

func (c *Client) MaxRSS(context.Context, int64) (uint64, error) { return 0, nil }

func (c *Client) ErrorFile(task *model.Task) string { return task.OutputFile("err") }

// Stop asks the server to shut down.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/stop", nil, nil)
}

// Ping reports whether a server answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.IDs(ctx)
	return err
}

// do sends body as JSON and decodes the data of the response envelope
// into dest. Error envelopes become SchedulerErrors carrying the HTTP
// status as exit code.
func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.Errorf("local scheduler at %s is not answering (start it with \"mq local serve\"): %v", c.cfg.Local.Address, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if env.Status != "ok" || resp.StatusCode >= 400 {
		return &model.SchedulerError{
			Command:  []string{method, strings.TrimPrefix(c.baseURL+path, "http://")},
			Stderr:   env.Error,
			ExitCode: resp.StatusCode,
		}
	}
	if dest == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, dest)
}
