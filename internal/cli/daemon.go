package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/internal/fsutil"
	"github.com/me/myqueue/internal/scheduler"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Kick all registered trees in the background",
		Long: "The daemon runs 'mq kick' for every tree listed in $HOME/.myqueue/folders.txt\n" +
			"at a fixed interval. Its pid and log live in $HOME/.myqueue.",
	}
	cmd.AddCommand(newDaemonStartCmd(), newDaemonStopCmd(), newDaemonStatusCmd(), newDaemonRunCmd())
	return cmd
}

func daemonFiles() (pidFile, logFile string, err error) {
	dir, err := config.GlobalDir()
	if err != nil {
		return "", "", err
	}
	return filepath.Join(dir, "daemon.pid"), filepath.Join(dir, "daemon.log"), nil
}

// daemonPID returns the pid of a running daemon, or 0.
func daemonPID() (int, error) {
	pidFile, _, err := daemonFiles()
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(pidFile)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || !processAlive(pid) {
		return 0, nil
	}
	return pid, nil
}

func newDaemonStartCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if pid, err := daemonPID(); err != nil {
				return err
			} else if pid != 0 {
				fmt.Fprintf(out, "Daemon already running (pid %d)\n", pid)
				return nil
			}
			_, logFile, err := daemonFiles()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
				return err
			}
			logf, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open daemon log: %w", err)
			}
			defer logf.Close()

			self, err := os.Executable()
			if err != nil {
				return err
			}
			child := exec.Command(self, "daemon", "run", "--interval", interval.String(), "-v")
			child.Stdout = logf
			child.Stderr = logf
			child.SysProcAttr = detached()
			if err := child.Start(); err != nil {
				return fmt.Errorf("start daemon: %w", err)
			}
			fmt.Fprintf(out, "Daemon started (pid %d), logging to %s\n", child.Process.Pid, logFile)
			return child.Process.Release()
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", config.Default().Daemon.Interval, "Time between kicks")
	return cmd
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := daemonPID()
			if err != nil {
				return err
			}
			if pid == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon not running")
				return nil
			}
			p, err := os.FindProcess(pid)
			if err != nil {
				return err
			}
			if err := p.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("stop daemon (pid %d): %w", pid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon stopped (pid %d)\n", pid)
			return nil
		},
	}
}

func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := daemonPID()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if pid == 0 {
				fmt.Fprintln(out, "Daemon not running")
				return nil
			}
			fmt.Fprintf(out, "Daemon running (pid %d)\n", pid)
			if trees, err := config.KnownFolders(); err == nil {
				fmt.Fprintf(out, "Kicking %s\n", plural(len(trees), "tree"))
			}
			return nil
		},
	}
}

func newDaemonRunCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:    "run",
		Short:  "Run the daemon in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pidFile, _, err := daemonFiles()
			if err != nil {
				return err
			}
			if err := fsutil.WriteFileAtomic(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
				return err
			}
			defer os.Remove(pidFile)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			loop := scheduler.NewLoop(config.KnownFolders, func(ctx context.Context, root string) error {
				return kickTree(ctx, root, io.Discard)
			}, scheduler.Config{PollInterval: interval}, logger)
			if err := loop.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", config.Default().Daemon.Interval, "Time between kicks")
	return cmd
}
