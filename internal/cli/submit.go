package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/internal/submit"
	"github.com/me/myqueue/pkg/model"
)

// submitFlags are shared by submit, resubmit and workflow.
type submitFlags struct {
	force    bool
	maxTasks int
}

func (f *submitFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.force, "force", "f", false, "Submit also workflow tasks that failed before")
	cmd.Flags().IntVar(&f.maxTasks, "max-tasks", 0, "Maximum number of tasks to submit (0: no limit)")
}

func (f *submitFlags) options() submit.Options {
	return submit.Options{Force: f.force, MaxTasks: f.maxTasks}
}

func newSubmitCmd() *cobra.Command {
	var (
		resources     string
		deps          string
		name          string
		restart       int
		workflow      bool
		diskspace     string
		notifications string
		sf            submitFlags
	)

	cmd := &cobra.Command{
		Use:   "submit <task[@resources]> [folder...]",
		Short: "Submit a task to the queue",
		Long: "Submit a shell command, Python script, module or module.function to the\n" +
			"scheduler once for every folder. Arguments follow a '+' and are separated\n" +
			"by '_', e.g. 'echo+hello_world'. Resources are 'cores[:processes][:node]:tmax'.",
		Example: "  mq submit 'echo+hello' a/ b/\n" +
			"  mq submit calc.py@24:2h -d ../prep\n" +
			"  mq submit mymod.relax@8:1h --restart 2 -w",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskSpec := args[0]
			if i := strings.LastIndex(taskSpec, "@"); i >= 0 {
				if resources != "" {
					return model.Errorf("resources given both as %q and with -R", taskSpec[i+1:])
				}
				taskSpec, resources = taskSpec[:i], taskSpec[i+1:]
			}
			res, err := model.NewResources(1, 0, "", 0)
			if resources != "" {
				res, err = model.ParseResources(resources)
			}
			if err != nil {
				return err
			}
			var notify string
			if notifications != "" {
				set, err := model.ParseStateSet(notifications)
				if err != nil {
					return err
				}
				notify = set.Letters()
			}
			var space int64
			if diskspace != "" {
				// Plain numbers are kept as is, sizes like "2GB" become bytes.
				n, err := humanize.ParseBytes(diskspace)
				if err != nil {
					return model.Errorf("bad diskspace %q: %v", diskspace, err)
				}
				space = int64(n)
			}

			folders, err := absFolders(args[1:])
			if err != nil {
				return err
			}
			root, err := treeRoot(folders)
			if err != nil {
				return err
			}

			return withSession(cmd.Context(), root, false, cmd.OutOrStdout(), func(s *session) error {
				finder := s.finder()
				c, err := model.ParseCommand(taskSpec, finder)
				if err != nil {
					return err
				}
				if name != "" {
					c.Alias = name
				}
				var drafts []*model.Task
				for _, folder := range folders {
					var dnames []string
					for _, d := range splitList(deps) {
						dnames = append(dnames, filepath.Join(folder, d))
					}
					t := model.NewTask(c, res, folder, dnames)
					t.Restart = restart
					t.Workflow = workflow
					t.Diskspace = space
					t.Notifications = notify
					drafts = append(drafts, t)
				}
				_, err = s.submit(cmd.Context(), drafts, sf.options())
				return err
			})
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&resources, "resources", "R", "", "Resources as cores[:processes][:nodename]:tmax, e.g. 8:1h")
	fl.StringVarP(&deps, "dependencies", "d", "", "Comma-separated task names to wait for, relative to each folder")
	fl.StringVarP(&name, "name", "n", "", "Name used for the task instead of the command")
	fl.IntVar(&restart, "restart", 0, "Restart a task that TIMEOUT or MEMORY'ed up to this many times")
	fl.BoolVarP(&workflow, "workflow", "w", false, "Write <name>.done or <name>.FAILED when the task finishes")
	fl.StringVar(&diskspace, "diskspace", "", "Disk space used by the task (see maximum_diskspace)")
	fl.StringVarP(&notifications, "notifications", "E", "", "Send e-mail when the task enters these states, e.g. rdA")
	sf.register(cmd)
	return cmd
}

func newResubmitCmd() *cobra.Command {
	var (
		resources string
		sel       selectionFlags
		sf        submitFlags
	)

	cmd := &cobra.Command{
		Use:   "resubmit [folder...]",
		Short: "Resubmit finished tasks",
		Long:  "Submit the selected tasks again, optionally with new resources, and remove\nthe old ones that were replaced. Tasks that are still queued, held or running\nare left alone, and tasks that cannot be submitted keep their old state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			selection, err := sel.selection(args, true)
			if err != nil {
				return err
			}
			var res *model.Resources
			if resources != "" {
				r, err := model.ParseResources(resources)
				if err != nil {
					return err
				}
				res = &r
			}
			folder := "."
			if len(selection.Folders) > 0 {
				folder = selection.Folders[0]
			}
			return withSession(cmd.Context(), folder, false, cmd.OutOrStdout(), func(s *session) error {
				replaces := map[*model.Task]*model.Task{}
				var drafts []*model.Task
				for _, t := range selection.Select(s.q.Tasks()) {
					if t.State.IsAlive() {
						continue
					}
					d := t.Draft()
					if res != nil {
						d.Resources = *res
					}
					replaces[d] = t
					drafts = append(drafts, d)
				}
				if len(drafts) == 0 {
					fmt.Fprintln(s.out, "No finished tasks selected")
					return nil
				}
				// The old tasks go only once their replacements are queued.
				result, err := s.submit(cmd.Context(), drafts, sf.options())
				for _, d := range result.Submitted {
					s.q.Remove(replaces[d])
				}
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&resources, "resources", "R", "", "New resources, e.g. 8:2h")
	sel.register(cmd, "")
	sf.register(cmd)
	return cmd
}

// treeRoot returns the one tree all folders belong to.
func treeRoot(folders []string) (string, error) {
	var root string
	for _, f := range folders {
		r, err := config.FindRoot(f)
		if err != nil {
			return "", err
		}
		if root != "" && r != root {
			return "", model.Errorf("%s and %s belong to different MyQueue trees", root, r)
		}
		root = r
	}
	return root, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
