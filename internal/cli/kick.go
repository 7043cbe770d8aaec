package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newKickCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "kick",
		Short: "Restart timed-out and out-of-memory tasks",
		Long: "Send pending notifications, resubmit TIMEOUT and MEMORY tasks that have\n" +
			"restarts left with bigger resources, and hold or release tasks to stay\n" +
			"under maximum_diskspace. The daemon does this periodically.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			trees, err := roots(all)
			if err != nil {
				return err
			}
			for _, root := range trees {
				if err := kickTree(cmd.Context(), root, cmd.OutOrStdout()); err != nil {
					return fmt.Errorf("kick %s: %w", root, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "A", false, "Kick all registered trees")
	return cmd
}

// kickTree kicks one tree and reports what changed.
func kickTree(ctx context.Context, root string, out io.Writer) error {
	s, err := openRoot(ctx, root, false, out)
	if err != nil {
		return err
	}
	res, err := s.rec.Kick(ctx)
	if cerr := s.close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if res.Restarted > 0 {
		fmt.Fprintf(out, "%s: restarted %s\n", root, plural(res.Restarted, "task"))
	}
	if res.Held > 0 || res.Released > 0 {
		fmt.Fprintf(out, "%s: held %d, released %d\n", root, res.Held, res.Released)
	}
	if res.Notified > 0 {
		fmt.Fprintf(out, "%s: sent %s\n", root, plural(res.Notified, "notification"))
	}
	logger.Info("kicked", "root", root, "restarted", res.Restarted, "held", res.Held,
		"released", res.Released, "notified", res.Notified)
	return nil
}

func newSyncCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Make the queue agree with the scheduler",
		Long: "Mark queued, held and running tasks that the scheduler no longer knows\n" +
			"about as CANCELED. Such tasks whose folder is gone are removed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			trees, err := roots(all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, root := range trees {
				err := withSession(cmd.Context(), root, false, out, func(s *session) error {
					res, err := s.rec.Sync(cmd.Context())
					if err != nil {
						return err
					}
					if len(res.Canceled)+len(res.Removed) == 0 {
						fmt.Fprintf(out, "%s: in sync\n", root)
						return nil
					}
					writeTasks(out, append(res.Canceled, res.Removed...), s.q.Now())
					fmt.Fprintf(out, "%s: canceled %d, removed %d\n", root, len(res.Canceled), len(res.Removed))
					return nil
				})
				if err != nil {
					return fmt.Errorf("sync %s: %w", root, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "A", false, "Sync all registered trees")
	return cmd
}
