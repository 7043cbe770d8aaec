package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Backoff bounds for AcquireLock.
var (
	LockInitialDelay = 100 * time.Millisecond
	LockMaxDelay     = 20 * time.Second
)

// Lock is an exclusive lock on a MyQueue tree, held by the existence of a
// lock file.
type Lock struct {
	path   string
	holder string
	logger *slog.Logger
}

// AcquireLock creates path exclusively, retrying with exponential backoff
// while another process holds it. It only gives up when ctx is done.
func AcquireLock(ctx context.Context, path string, logger *slog.Logger) (*Lock, error) {
	logger = logger.With("component", "lock")
	holder := fmt.Sprintf("%d %s", os.Getpid(), uuid.NewString())
	delay := LockInitialDelay
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(holder + "\n")
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("write lock %s: %w", path, errors.Join(werr, cerr))
			}
			logger.Debug("lock acquired", "path", path)
			return &Lock{path: path, holder: holder, logger: logger}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}

		logger.Debug("waiting for lock", "path", path, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, LockMaxDelay)
	}
}

// Release removes the lock file if it is still ours.
func (l *Lock) Release() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	if strings.TrimSpace(string(data)) != l.holder {
		return fmt.Errorf("release lock %s: held by %q", l.path, strings.TrimSpace(string(data)))
	}
	l.logger.Debug("lock released", "path", l.path)
	return os.Remove(l.path)
}
