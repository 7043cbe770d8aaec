package executor

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/pkg/model"
)

// CommandLine renders the shell command that runs task on node: python3
// becomes the configured serial or parallel interpreter, and multi-process
// tasks are started through mpiexec with the node's MPI arguments.
func CommandLine(cfg config.Config, task *model.Task, node model.Node) string {
	cmd := task.Cmd.ShellCommand()
	if task.Resources.Processes > 1 {
		cmd = replacePython(cmd, cfg.ParallelPython)
		mpi := cfg.MPIExec
		if node.MPIArgs != "" {
			mpi += " " + node.MPIArgs
		}
		return mpi + " " + cmd
	}
	return replacePython(cmd, cfg.SerialPython)
}

// LocalCommandLine is CommandLine for a machine without a batch system,
// where mpiexec is told the process count.
func LocalCommandLine(cfg config.Config, task *model.Task) string {
	cmd := task.Cmd.ShellCommand()
	if p := task.Resources.Processes; p > 1 {
		return fmt.Sprintf("%s -np %d %s", cfg.MPIExec, p, replacePython(cmd, cfg.ParallelPython))
	}
	return replacePython(cmd, cfg.SerialPython)
}

func replacePython(cmd, python string) string {
	if python == "" || python == "python3" {
		return cmd
	}
	if rest, ok := strings.CutPrefix(cmd, "python3 "); ok {
		return python + " " + rest
	}
	return cmd
}

// jobScript is the bash script handed to a batch system. It reports the
// job's progress by creating drop files in the tree's .myqueue folder.
// idExpr is the shell expression for the job id, and redirect is an
// optional line sending the output to the conventional file names.
func jobScript(cfg config.Config, task *model.Task, node model.Node, scheduler, idExpr, redirect string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "id=%s\n", idExpr)
	b.WriteString("export MYQUEUE_TASK_ID=$id\n")
	fmt.Fprintf(&b, "mq=%s-$id\n", model.ShellQuote(filepath.Join(cfg.Dir(), scheduler)))
	if redirect != "" {
		b.WriteString(redirect + "\n")
	}
	if task.Activation != "" {
		fmt.Fprintf(&b, "source %s\n", model.ShellQuote(task.Activation))
	}
	b.WriteString("touch $mq-0\n")
	fmt.Fprintf(&b, "(cd %s && %s)\n", model.ShellQuote(task.Folder), CommandLine(cfg, task, node))
	b.WriteString("if [ $? -eq 0 ]; then touch $mq-1; else touch $mq-2; fi\n")
	return b.String()
}

// printDry writes the submit command and script for -z / -v.
func printDry(opts SubmitOptions, argv []string, script string) {
	if opts.Out == nil {
		return
	}
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = model.ShellQuote(a)
	}
	fmt.Fprintln(opts.Out, strings.Join(quoted, " "))
	if opts.Verbose {
		fmt.Fprint(opts.Out, script)
	}
}
