// Package scheduler reconciles a tree's task store with its backend:
// it applies state changes reported by jobs, detects timeouts, cancels
// dependents of failed tasks, restarts tasks that ran out of time or
// memory and keeps the disk-space budget by holding and releasing tasks.
package scheduler

import "context"

// Scheduler is a background loop that kicks trees periodically.
type Scheduler interface {
	// Start begins the loop. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the loop.
	Stop() error

	// Tick runs a single iteration. Used for testing.
	Tick(ctx context.Context) error
}
