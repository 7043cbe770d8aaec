package cli

import (
	"io/fs"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/me/myqueue/internal/workflow"
	"github.com/me/myqueue/pkg/model"
)

func newWorkflowCmd() *cobra.Command {
	var (
		targets string
		pattern bool
		sf      submitFlags
	)

	cmd := &cobra.Command{
		Use:   "workflow <script.js> [folder...]",
		Short: "Submit the tasks of a workflow script",
		Long: "Run the workflow script once per folder to collect its tasks and submit\n" +
			"the ones that are not done, failed or queued yet. Run the command again\n" +
			"when tasks finish to submit the tasks that depend on their results.",
		Example: "  mq workflow flow.js a/ b/\n" +
			"  mq workflow -p flow.js .\n" +
			"  mq workflow flow.js -t relax",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			script := args[0]
			folders, err := absFolders(args[1:])
			if err != nil {
				return err
			}

			type job struct{ script, folder string }
			var jobs []job
			if pattern {
				for _, f := range folders {
					found, err := findScripts(f, script)
					if err != nil {
						return err
					}
					for _, s := range found {
						jobs = append(jobs, job{s, filepath.Dir(s)})
					}
				}
			} else {
				abs, err := filepath.Abs(script)
				if err != nil {
					return err
				}
				for _, f := range folders {
					jobs = append(jobs, job{abs, f})
				}
			}
			if len(jobs) == 0 {
				return model.Errorf("no %s scripts found", script)
			}

			jobFolders := make([]string, len(jobs))
			for i, j := range jobs {
				jobFolders[i] = j.folder
			}
			root, err := treeRoot(jobFolders)
			if err != nil {
				return err
			}

			return withSession(ctx, root, false, cmd.OutOrStdout(), func(s *session) error {
				opts := workflow.Options{Finder: s.finder(), Out: cmd.OutOrStdout(), Logger: logger}
				var drafts []*model.Task
				for _, j := range jobs {
					tasks, err := workflow.Collect(ctx, j.script, j.folder, opts)
					if err != nil {
						return err
					}
					tasks, err = workflow.FilterTargets(tasks, splitList(targets))
					if err != nil {
						return err
					}
					drafts = append(drafts, tasks...)
				}
				_, err := s.submit(ctx, drafts, sf.options())
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&targets, "targets", "t", "", "Comma-separated task names; submit only these and what they depend on")
	cmd.Flags().BoolVarP(&pattern, "pattern", "p", false, "Treat the script as a file name and use every matching script below the folders")
	sf.register(cmd)
	return cmd
}

// findScripts returns the files called name (a glob) below root, skipping
// .myqueue directories.
func findScripts(root, name string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".myqueue" {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(name, d.Name()); ok {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}
