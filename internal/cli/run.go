package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/me/myqueue/internal/workflow"
)

// newRunCmd is what the job script of a workflow task calls. It runs in the
// task folder and does not touch the queue.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "run <script.js> <task-name>",
		Short:  "Run one task of a workflow script",
		Hidden: true,
		Args:   cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, err := os.Getwd()
			if err != nil {
				return err
			}
			logger.Debug("running workflow task", "script", args[0], "task", args[1], "folder", folder)
			return workflow.Run(cmd.Context(), args[0], folder, args[1], workflow.Options{
				Out:    cmd.OutOrStdout(),
				Logger: logger,
			})
		},
	}
}
