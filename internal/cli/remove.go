package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRemoveCmd() *cobra.Command {
	var sel selectionFlags

	cmd := &cobra.Command{
		Use:     "remove [folder...]",
		Aliases: []string{"rm"},
		Short:   "Remove or cancel tasks",
		Long: "Remove the selected tasks from the queue. Queued, held and running tasks\n" +
			"are canceled first, and tasks depending on them are removed too.",
		Example: "  mq rm -i 1234,1235\n" +
			"  mq rm -s FCT -r .",
		RunE: func(cmd *cobra.Command, args []string) error {
			selection, err := sel.selection(args, true)
			if err != nil {
				return err
			}
			folder := "."
			if len(selection.Folders) > 0 {
				folder = selection.Folders[0]
			}
			return withSession(cmd.Context(), folder, false, cmd.OutOrStdout(), func(s *session) error {
				removed, err := s.rec.Remove(cmd.Context(), selection)
				if err != nil {
					return err
				}
				writeTasks(s.out, removed, s.q.Now())
				verb := "Removed"
				if flagDryRun {
					verb = "Would remove"
				}
				fmt.Fprintf(s.out, "%s %s\n", verb, plural(len(removed), "task"))
				return nil
			})
		},
	}

	sel.register(cmd, "")
	return cmd
}
