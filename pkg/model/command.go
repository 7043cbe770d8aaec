package model

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// CommandType classifies how a task's command is executed.
type CommandType string

const (
	ShellScript    CommandType = "shell-script"
	PythonScript   CommandType = "python-script"
	PythonModule   CommandType = "python-module"
	PythonFunction CommandType = "python-function"
	WorkflowTask   CommandType = "workflow-task"
)

// Executable is the program workflow-task commands call back into.
const Executable = "mq"

// ModuleFinder reports whether a dotted name can be imported by Python.
type ModuleFinder interface {
	IsModule(name string) bool
}

// Command is the executable part of a task.
type Command struct {
	Type CommandType `json:"type"`
	Cmd  string      `json:"cmd"`
	Args []string    `json:"args,omitempty"`
	// Script is the workflow script a workflow-task belongs to.
	Script string `json:"script,omitempty"`
	// Alias replaces the derived name (mq submit -n).
	Alias string `json:"name,omitempty"`
}

var typePrefixes = map[string]CommandType{
	"shell:":    ShellScript,
	"script:":   PythonScript,
	"module:":   PythonModule,
	"function:": PythonFunction,
}

// ParseCommand classifies s. A trailing "+a_b" is split off as arguments.
// Without an explicit "shell:", "script:", "module:" or "function:" prefix
// the type is inferred: a ".py" suffix is a script, an importable name is a
// module, a name whose part before the last dot is importable is a
// function, and anything else runs in the shell.
func ParseCommand(s string, finder ModuleFinder) (Command, error) {
	forced := CommandType("")
	for prefix, typ := range typePrefixes {
		if strings.HasPrefix(s, prefix) {
			forced = typ
			s = strings.TrimPrefix(s, prefix)
			break
		}
	}
	name, args := s, []string(nil)
	if i := strings.Index(s, "+"); i >= 0 {
		name = s[:i]
		args = strings.Split(s[i+1:], "_")
	}
	if name == "" {
		return Command{}, Errorf("empty command: %q", s)
	}
	c := Command{Cmd: name, Args: args}
	switch {
	case forced != "":
		c.Type = forced
	case strings.HasSuffix(name, ".py"):
		c.Type = PythonScript
	case strings.ContainsAny(name, "/ ") || finder == nil:
		c.Type = ShellScript
	case finder.IsModule(name):
		c.Type = PythonModule
	default:
		c.Type = ShellScript
		if i := strings.LastIndex(name, "."); i > 0 && finder.IsModule(name[:i]) {
			c.Type = PythonFunction
		}
	}
	if c.Type == PythonFunction && !strings.Contains(name, ".") {
		return Command{}, Errorf("python function %q must be given as module.function", name)
	}
	return c, nil
}

// NewWorkflowCommand returns the command that runs task name of a workflow script.
func NewWorkflowCommand(script, name string) Command {
	return Command{Type: WorkflowTask, Cmd: name, Script: script}
}

// String is the form ParseCommand accepts.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Cmd
	}
	return c.Cmd + "+" + strings.Join(c.Args, "_")
}

// ShortName is the name without arguments; output files use it.
func (c Command) ShortName() string {
	if c.Alias != "" {
		return c.Alias
	}
	switch c.Type {
	case ShellScript, PythonScript:
		return filepath.Base(c.Cmd)
	}
	return c.Cmd
}

// Name identifies the command within its folder.
func (c Command) Name() string {
	if c.Alias != "" || len(c.Args) == 0 {
		return c.ShortName()
	}
	return c.ShortName() + "+" + strings.Join(c.Args, "_")
}

// ShellCommand renders the command line a job script runs. Python
// commands start with "python3" so the caller can substitute its
// configured interpreter.
func (c Command) ShellCommand() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = ShellQuote(a)
	}
	tail := ""
	if len(args) > 0 {
		tail = " " + strings.Join(args, " ")
	}
	switch c.Type {
	case PythonScript:
		return "python3 " + ShellQuote(c.Cmd) + tail
	case PythonModule:
		return "python3 -m " + c.Cmd + tail
	case PythonFunction:
		i := strings.LastIndex(c.Cmd, ".")
		mod := c.Cmd[:i]
		lits := make([]string, len(c.Args))
		for j, a := range c.Args {
			lits[j] = pythonLiteral(a)
		}
		code := fmt.Sprintf("import %s; %s(%s)", mod, c.Cmd, strings.Join(lits, ", "))
		return "python3 -c " + ShellQuote(code)
	case WorkflowTask:
		return fmt.Sprintf("%s run %s %s", Executable, ShellQuote(c.Script), ShellQuote(c.Cmd))
	}
	return c.Cmd + tail
}

var (
	numberLiteral = regexp.MustCompile(`^[-+]?(\d+\.?\d*|\.\d+)([eE][-+]?\d+)?$`)
	shellSafe     = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)
)

func pythonLiteral(a string) string {
	switch {
	case numberLiteral.MatchString(a), a == "True", a == "False", a == "None":
		return a
	}
	return "'" + strings.ReplaceAll(strings.ReplaceAll(a, `\`, `\\`), `'`, `\'`) + "'"
}

// ShellQuote quotes s for /bin/sh when needed.
func ShellQuote(s string) string {
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
