package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/me/myqueue/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// One connection: ":memory:" databases are per connection, and all
	// writes happen under the queue lock anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

const taskColumns = `id, folder, cmd, resources, deps, workflow, state, restart, diskspace,
	notifications, creates, tqueued, trunning, tstop, error, user, activation`

func (s *SQLiteStore) LoadTasks(ctx context.Context) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "tasks")

	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) SaveTasks(ctx context.Context, changed []*model.Task, removed []int64) error {
	if len(changed) == 0 && len(removed) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "save", "table", "tasks", "changed", len(changed), "removed", len(removed))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range removed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete task %d: %w", id, err)
		}
	}

	var maxID int64
	for _, t := range changed {
		if t.ID <= 0 {
			return fmt.Errorf("save task %s: task has not been submitted", t.DName())
		}
		cmdJSON, err := json.Marshal(t.Cmd)
		if err != nil {
			return fmt.Errorf("marshal cmd: %w", err)
		}
		resJSON, err := json.Marshal(t.Resources)
		if err != nil {
			return fmt.Errorf("marshal resources: %w", err)
		}
		depsJSON, err := json.Marshal(t.Deps)
		if err != nil {
			return fmt.Errorf("marshal deps: %w", err)
		}
		createsJSON, err := json.Marshal(t.Creates)
		if err != nil {
			return fmt.Errorf("marshal creates: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks (id, seq, folder, cmd, resources, deps, workflow, state, restart, diskspace,
				notifications, creates, tqueued, trunning, tstop, error, user, activation)
			 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				folder = excluded.folder, cmd = excluded.cmd, resources = excluded.resources,
				deps = excluded.deps, workflow = excluded.workflow, state = excluded.state,
				restart = excluded.restart, diskspace = excluded.diskspace,
				notifications = excluded.notifications, creates = excluded.creates,
				tqueued = excluded.tqueued, trunning = excluded.trunning, tstop = excluded.tstop,
				error = excluded.error, user = excluded.user, activation = excluded.activation`,
			t.ID, t.Folder, string(cmdJSON), string(resJSON), string(depsJSON), boolToInt(t.Workflow),
			string(t.State), t.Restart, t.Diskspace, t.Notifications, string(createsJSON),
			t.TQueued, t.TRunning, t.TStop, t.Error, t.User, t.Activation,
		)
		if err != nil {
			return fmt.Errorf("upsert task %d: %w", t.ID, err)
		}
		maxID = max(maxID, t.ID)
	}

	if maxID > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE meta SET value = CAST(MAX(CAST(value AS INTEGER), ?) AS TEXT) WHERE key = 'max_id'`, maxID)
		if err != nil {
			return fmt.Errorf("update max_id: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) MaxID(ctx context.Context) (int64, error) {
	s.logger.Debug("sql", "op", "select", "table", "meta", "key", "max_id")

	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'max_id'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, error) {
	var t model.Task
	var cmdJSON, resJSON, depsJSON, createsJSON, state string
	var workflow int
	err := row.Scan(&t.ID, &t.Folder, &cmdJSON, &resJSON, &depsJSON, &workflow, &state, &t.Restart,
		&t.Diskspace, &t.Notifications, &createsJSON, &t.TQueued, &t.TRunning, &t.TStop, &t.Error,
		&t.User, &t.Activation)
	if err != nil {
		return nil, err
	}
	t.Workflow = workflow != 0
	t.State = model.State(state)
	if err := json.Unmarshal([]byte(cmdJSON), &t.Cmd); err != nil {
		return nil, fmt.Errorf("task %d: unmarshal cmd: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(resJSON), &t.Resources); err != nil {
		return nil, fmt.Errorf("task %d: unmarshal resources: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(depsJSON), &t.Deps); err != nil {
		return nil, fmt.Errorf("task %d: unmarshal deps: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(createsJSON), &t.Creates); err != nil {
		return nil, fmt.Errorf("task %d: unmarshal creates: %w", t.ID, err)
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
