package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/myqueue/pkg/model"
)

func newListCmd() *cobra.Command {
	var (
		sel     selectionFlags
		all     bool
		cols    string
		sortKey string
	)

	cmd := &cobra.Command{
		Use:     "list [folder...]",
		Aliases: []string{"ls"},
		Short:   "List tasks in the queue",
		Long: "List tasks in the folders given, or in and below the current folder.\nColumns are picked with letters: i id, f folder, n name,\n" +
			"I info, r resources, A age, s state, t time, e error.",
		Example: "  mq ls\n" +
			"  mq ls -s F -c ifne\n" +
			"  mq ls -A -s a --sort t-",
		RunE: func(cmd *cobra.Command, args []string) error {
			picked, err := pickColumns(cols)
			if err != nil {
				return err
			}
			selection, err := sel.selection(args, false)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				selection.Recursive = true
			}
			var trees []string
			if all {
				if trees, err = roots(true); err != nil {
					return err
				}
				selection.Folders = nil
			} else {
				folder := "."
				if len(selection.Folders) > 0 {
					folder = selection.Folders[0]
				}
				trees = []string{folder}
			}

			out := cmd.OutOrStdout()
			for _, tree := range trees {
				if all {
					fmt.Fprintln(out, headerStyle.Render(tree+":"))
				}
				err := withSession(cmd.Context(), tree, false, out, func(s *session) error {
					tasks := selection.Select(s.q.Tasks())
					if err := sortTasks(tasks, sortKey, s.q.Now()); err != nil {
						return err
					}
					writeTable(out, tasks, s.q.Now(), picked)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}

	sel.register(cmd, model.DefaultListStates)
	cmd.Flags().BoolVarP(&all, "all", "A", false, "List tasks of all registered trees")
	cmd.Flags().StringVarP(&cols, "columns", "c", defaultColumns, "Columns to show")
	cmd.Flags().StringVarP(&sortKey, "sort", "S", "", "Sort by this column letter; append '-' to reverse")
	return cmd
}
