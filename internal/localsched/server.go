// Package localsched is a small scheduler for machines without a batch
// system. A server process started with "mq local serve" listens on a
// loopback address, runs queued tasks as shell commands (at most
// max_running at a time, dependencies first) and reports their progress
// through drop files, exactly like a job script on a cluster. Client
// talks to it and implements executor.Executor.
package localsched

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/myqueue/pkg/model"
)

// SchedulerName is used in drop file names and config.yaml.
const SchedulerName = "local"

// SubmitRequest is the body of POST /tasks.
type SubmitRequest struct {
	Task model.Task `json:"task"`
	// Command is the rendered command line run inside the task folder.
	Command string `json:"command"`
	// Deps are ids of jobs that must finish successfully first. Ids the
	// server no longer knows count as finished, unless they failed.
	Deps []int64 `json:"deps"`
	// Dir receives the drop files.
	Dir string `json:"dir"`
	// MinID is the smallest id the caller accepts.
	MinID int64 `json:"min_id"`
}

// SubmitResponse is the data of a successful POST /tasks.
type SubmitResponse struct {
	ID int64 `json:"id"`
}

type job struct {
	id       int64
	task     model.Task
	command  string
	dir      string
	deps     map[int64]bool
	held     bool
	running  bool
	canceled bool
	cancel   context.CancelFunc
}

// Server runs tasks on the local machine.
type Server struct {
	router     chi.Router
	logger     *slog.Logger
	maxRunning int
	// termGrace is how long a task may take to exit after SIGTERM.
	termGrace time.Duration

	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*job
	// failed holds ids that failed, timed out or were canceled.
	failed   map[int64]bool
	draining bool

	ctx       context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopped   chan struct{}
}

// New creates a Server. Ids are handed out from firstID upwards.
func New(maxRunning int, firstID int64, logger *slog.Logger) *Server {
	if maxRunning < 1 {
		maxRunning = 1
	}
	if firstID < 1 {
		firstID = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:     chi.NewRouter(),
		logger:     logger.With("component", "local-scheduler"),
		maxRunning: maxRunning,
		termGrace:  5 * time.Second,
		nextID:     firstID,
		jobs:       make(map[int64]*job),
		failed:     make(map[int64]bool),
		ctx:        ctx,
		cancelAll:  cancel,
		stopped:    make(chan struct{}),
	}
	s.routes()
	return s
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Stopped is closed when a client asks the server to stop.
func (s *Server) Stopped() <-chan struct{} {
	return s.stopped
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(tagCommands(s.logger))

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleSubmit)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/cancel", s.handleCancel)
			r.Post("/hold", s.handleHold)
			r.Post("/release", s.handleRelease)
		})
	})
	r.Post("/stop", s.handleStop)
}

// ListenAndServe listens on addr and serves until ctx ends or a client
// sends stop. Running tasks are terminated on the way out.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("local scheduler started", "addr", ln.Addr().String(), "max_running", s.maxRunning)

	select {
	case <-ctx.Done():
	case <-s.stopped:
	case err := <-errCh:
		s.Shutdown()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Shutdown()
	s.logger.Info("local scheduler stopped")
	return err
}

// Shutdown stops starting tasks and gives running ones termGrace to
// finish before terminating them. Queued tasks are forgotten.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(s.termGrace):
		s.mu.Lock()
		for _, j := range s.jobs {
			if j.running {
				j.canceled = true
			}
		}
		s.cancelAll()
		s.mu.Unlock()
		<-finished
	}
	s.cancelAll()
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Command == "" || req.Task.Folder == "" || req.Dir == "" {
		respondError(w, r, http.StatusBadRequest, "command, task folder and dir are required")
		return
	}
	if err := req.Task.Resources.Validate(); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := max(s.nextID, req.MinID)
	s.nextID = id + 1
	j := &job{
		id:      id,
		task:    req.Task,
		command: req.Command,
		dir:     req.Dir,
		deps:    make(map[int64]bool),
	}
	j.task.ID = id
	for _, d := range req.Deps {
		if s.failed[d] {
			// The controller cancels it once it sees the failure.
			s.failed[id] = true
			s.logger.Info("task dropped, dependency did not finish", "id", id, "dependency", d)
			respondOK(w, r, SubmitResponse{ID: id})
			return
		}
		if _, ok := s.jobs[d]; ok {
			j.deps[d] = true
		}
	}
	s.jobs[id] = j
	s.logger.Info("task queued", "id", id, "task", j.task.Cmd.Name(), "folder", j.task.Folder, "deps", len(j.deps))
	s.kickLocked()
	respondOK(w, r, SubmitResponse{ID: id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ids := s.idsLocked()
	s.mu.Unlock()
	respondOK(w, r, ids)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.withJob(w, r, func(j *job) error {
		if j.running {
			j.canceled = true
			j.cancel()
			s.logger.Info("task terminated", "id", j.id)
			return nil
		}
		delete(s.jobs, j.id)
		s.failed[j.id] = true
		s.removeDependentsLocked(j.id)
		s.logger.Info("task canceled", "id", j.id)
		return nil
	})
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	s.withJob(w, r, func(j *job) error {
		if j.running {
			return fmt.Errorf("task %d is running", j.id)
		}
		j.held = true
		return nil
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.withJob(w, r, func(j *job) error {
		j.held = false
		s.kickLocked()
		return nil
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, map[string]string{"message": "stopping"})
	s.stopOnce.Do(func() { close(s.stopped) })
}

// withJob runs fn on the job named in the URL with the lock held.
func (s *Server) withJob(w http.ResponseWriter, r *http.Request, fn func(*job) error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid task id")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		respondError(w, r, http.StatusNotFound, fmt.Sprintf("unknown task id %d", id))
		return
	}
	if err := fn(j); err != nil {
		respondError(w, r, http.StatusConflict, err.Error())
		return
	}
	respondOK(w, r, SubmitResponse{ID: id})
}

func (s *Server) idsLocked() []int64 {
	ids := make([]int64, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// kickLocked starts queued jobs without pending dependencies, oldest
// first, until max_running jobs run.
func (s *Server) kickLocked() {
	if s.ctx.Err() != nil || s.draining {
		return
	}
	running := 0
	for _, j := range s.jobs {
		if j.running {
			running++
		}
	}
	for _, id := range s.idsLocked() {
		if running >= s.maxRunning {
			return
		}
		j, ok := s.jobs[id]
		if !ok || j.running || j.held || len(j.deps) > 0 {
			continue
		}
		if s.startLocked(j) {
			running++
		}
	}
}

// finishLocked forgets a job and updates the jobs waiting for it. A job
// that did not succeed takes its dependents with it.
func (s *Server) finishLocked(j *job, code int) {
	delete(s.jobs, j.id)
	if code >= 0 {
		s.drop(j, code)
	}
	if code == codeDone {
		for _, o := range s.jobs {
			delete(o.deps, j.id)
		}
		return
	}
	s.failed[j.id] = true
	s.removeDependentsLocked(j.id)
}

func (s *Server) removeDependentsLocked(id int64) {
	for oid, o := range s.jobs {
		if o.deps[id] && !o.running {
			delete(s.jobs, oid)
			s.failed[oid] = true
			s.logger.Info("task dropped, dependency did not finish", "id", oid, "dependency", id)
			s.removeDependentsLocked(oid)
		}
	}
}
