package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config holds daemon loop configuration.
type Config struct {
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 10 * time.Minute}
}

// KickFunc kicks the tree rooted at root.
type KickFunc func(ctx context.Context, root string) error

// Loop implements the Scheduler interface by kicking every known tree on
// a fixed interval.
type Loop struct {
	roots  func() ([]string, error)
	kick   KickFunc
	config Config
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLoop creates a new daemon loop. roots lists the trees to kick on
// every tick.
func NewLoop(roots func() ([]string, error), kick KickFunc, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		roots:  roots,
		kick:   kick,
		config: cfg,
		logger: logger.With("component", "daemon"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the loop with an immediate tick. Blocks until ctx is
// cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("daemon started", "poll_interval", l.config.PollInterval)
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	if err := l.Tick(ctx); err != nil {
		l.logger.Error("tick error", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("daemon stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("daemon stopping (stop called)")
			close(l.doneCh)
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the loop and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick kicks every tree once. A failing tree does not stop the others.
func (l *Loop) Tick(ctx context.Context) error {
	roots, err := l.roots()
	if err != nil {
		return fmt.Errorf("list trees: %w", err)
	}
	var errs []error
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.kick(ctx, root); err != nil {
			l.logger.Warn("kick failed", "root", root, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", root, err))
			continue
		}
		l.logger.Debug("kicked", "root", root)
	}
	return errors.Join(errs...)
}
