package store

import (
	"context"

	"github.com/me/myqueue/pkg/model"
)

// Store persists the task set of one MyQueue tree. Callers hold the lock
// (see AcquireLock) around every load-modify-save sequence.
type Store interface {
	// LoadTasks returns all tasks in insertion order.
	LoadTasks(ctx context.Context) ([]*model.Task, error)
	// SaveTasks upserts changed tasks and deletes removed ids in one
	// transaction. New tasks are appended to the insertion order.
	SaveTasks(ctx context.Context, changed []*model.Task, removed []int64) error
	// MaxID returns the largest task id ever stored.
	MaxID(ctx context.Context) (int64, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
