package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/myqueue/pkg/model"
)

func newModifyCmd() *cobra.Command {
	var (
		sel           selectionFlags
		newState      string
		notifications string
	)

	cmd := &cobra.Command{
		Use:   "modify [folder...]",
		Short: "Hold, release or relabel tasks",
		Long: "Change the state of the selected tasks. Allowed changes: queued to hold,\n" +
			"hold to queued, and FAILED to TIMEOUT or MEMORY (so that kick restarts them).\n" +
			"With -E the notification states are replaced.",
		Example: "  mq modify -s q -N h .\n" +
			"  mq modify -i 17 -N T\n" +
			"  mq modify -s a -E dA -r .",
		RunE: func(cmd *cobra.Command, args []string) error {
			selection, err := sel.selection(args, true)
			if err != nil {
				return err
			}
			var state model.State
			if newState != "" {
				if len(newState) != 1 {
					return model.Errorf("give the new state as one letter, not %q", newState)
				}
				if state, err = model.StateFromLetter(newState[0]); err != nil {
					return err
				}
			}
			var letters *string
			if cmd.Flags().Changed("notifications") {
				letters = &notifications
			}
			if state == "" && letters == nil {
				return model.Errorf("nothing to do: give a new state (-N) or notifications (-E)")
			}

			folder := "."
			if len(selection.Folders) > 0 {
				folder = selection.Folders[0]
			}
			return withSession(cmd.Context(), folder, false, cmd.OutOrStdout(), func(s *session) error {
				tasks, err := s.rec.Modify(cmd.Context(), selection, state, letters)
				if err != nil {
					return err
				}
				writeTasks(s.out, tasks, s.q.Now())
				fmt.Fprintf(s.out, "Modified %s\n", plural(len(tasks), "task"))
				return nil
			})
		},
	}

	sel.register(cmd, "")
	cmd.Flags().StringVarP(&newState, "new-state", "N", "", "New state letter (q, h, T or M)")
	cmd.Flags().StringVarP(&notifications, "notifications", "E", "", "New notification state letters")
	return cmd
}
