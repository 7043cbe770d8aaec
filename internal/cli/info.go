package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/myqueue/internal/store"
	"github.com/me/myqueue/pkg/model"
)

func newInfoCmd() *cobra.Command {
	var (
		id     int64
		export string
	)

	cmd := &cobra.Command{
		Use:   "info [folder]",
		Short: "Show the configuration of a tree or details of one task",
		Example: "  mq info\n" +
			"  mq info -i 1234\n" +
			"  mq info --export queue.json",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folders, err := absFolders(args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return withSession(cmd.Context(), folders[0], true, out, func(s *session) error {
				switch {
				case export != "":
					if err := store.ExportJSON(export, s.q.Tasks()); err != nil {
						return fmt.Errorf("export: %w", err)
					}
					fmt.Fprintf(out, "Wrote %s to %s\n", plural(len(s.q.Tasks()), "task"), export)
					return nil
				case id != 0:
					return s.writeTaskInfo(cmd, id)
				}
				s.writeTreeInfo(out)
				return nil
			})
		},
	}

	cmd.Flags().Int64VarP(&id, "id", "i", 0, "Show details of this task")
	cmd.Flags().StringVar(&export, "export", "", "Write all tasks to this JSON file")
	return cmd
}

func (s *session) writeTreeInfo(w io.Writer) {
	cfg := s.cfg
	fmt.Fprintln(w, headerStyle.Render("MyQueue tree "+cfg.Home))
	fmt.Fprintf(w, "  scheduler:  %s\n", cfg.Scheduler)
	fmt.Fprintf(w, "  user:       %s\n", cfg.User)
	fmt.Fprintf(w, "  python:     %s (parallel: %s, mpiexec: %s)\n", cfg.SerialPython, cfg.ParallelPython, cfg.MPIExec)
	if cfg.MaximumDiskspace > 0 {
		var used int64
		for _, t := range s.q.Tasks() {
			if t.State.IsAlive() {
				used += t.Diskspace
			}
		}
		fmt.Fprintf(w, "  diskspace:  %s of %s in use\n", humanize.Comma(used), humanize.Comma(cfg.MaximumDiskspace))
	}
	if cfg.Scheduler == "local" {
		fmt.Fprintf(w, "  local:      %s (max %d running)\n", cfg.Local.Address, cfg.Local.MaxRunning)
	}
	if len(cfg.Nodes) > 0 {
		fmt.Fprintln(w, "  nodes:")
		for _, n := range cfg.Nodes {
			mem := "?"
			if b, err := n.MemoryBytes(); err == nil && b > 0 {
				mem = humanize.IBytes(b)
			}
			fmt.Fprintf(w, "    %-12s %3d cores  %s\n", n.Name, n.Cores, mem)
		}
	}
	if cfg.Notifications.To != "" {
		fmt.Fprintf(w, "  e-mail:     %s via %s\n", cfg.Notifications.To, cfg.Notifications.Host)
	}
	fmt.Fprintf(w, "  tasks:      %s\n", stateCounts(s.q.Tasks()))
}

func (s *session) writeTaskInfo(cmd *cobra.Command, id int64) error {
	t := s.q.Task(id)
	if t == nil {
		return model.Errorf("no task with id %d", id)
	}
	w := s.out
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))

	exec, err := newExecutor(cmd.Context(), s.cfg, s.q)
	if err != nil {
		return err
	}
	if missing := s.q.MissingDeps(t); len(missing) > 0 {
		fmt.Fprintf(w, "Missing dependencies: %s\n", strings.Join(missing, ", "))
	}
	if t.State != model.StateUndefined && t.State != model.StateQueued && t.State != model.StateHold {
		if rss, err := exec.MaxRSS(cmd.Context(), t.ID); err == nil && rss > 0 {
			fmt.Fprintf(w, "Max RSS: %s\n", humanize.IBytes(rss))
		}
	}
	path := exec.ErrorFile(t)
	text, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(text), "\n"), "\n")
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}
	fmt.Fprintln(w, headerStyle.Render(path+":"))
	for _, l := range lines {
		fmt.Fprintln(w, mutedStyle.Render(l))
	}
	return nil
}
