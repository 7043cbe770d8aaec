package store

import (
	"context"
	"database/sql"
	"strings"
)

// schemaVersion matches the version field of JSON snapshots.
const schemaVersion = "2"

// schema contains the DDL for all tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id            INTEGER PRIMARY KEY,
		seq           INTEGER NOT NULL,
		folder        TEXT NOT NULL,
		cmd           TEXT NOT NULL,
		resources     TEXT NOT NULL,
		deps          TEXT NOT NULL DEFAULT '[]',
		workflow      INTEGER NOT NULL DEFAULT 0,
		state         TEXT NOT NULL,
		restart       INTEGER NOT NULL DEFAULT 0,
		diskspace     INTEGER NOT NULL DEFAULT 0,
		notifications TEXT NOT NULL DEFAULT '',
		creates       TEXT NOT NULL DEFAULT '[]',
		tqueued       REAL NOT NULL DEFAULT 0,
		trunning      REAL NOT NULL DEFAULT 0,
		tstop         REAL NOT NULL DEFAULT 0,
		error         TEXT NOT NULL DEFAULT '',
		user          TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_seq ON tasks(seq)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_folder ON tasks(folder)`,

	`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// Highest id ever assigned; survives removal of the task itself.
	`INSERT OR IGNORE INTO meta (key, value) VALUES ('max_id', '0')`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "tasks",
		column:   "activation",
		alterSQL: "ALTER TABLE tasks ADD COLUMN activation TEXT NOT NULL DEFAULT ''",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, schemaVersion)
	return err
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
