package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/myqueue/internal/logging"
	"github.com/me/myqueue/pkg/model"
)

var (
	flagVerbose   int
	flagQuiet     int
	flagTraceback bool
	flagDryRun    bool
	flagLogFormat string

	logger *slog.Logger
	logOut io.Writer
)

// NewRootCmd creates the root cobra command for the mq CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mq",
		Short: "MyQueue: simple frontend for SLURM, PBS, LSF and a local scheduler",
		Long: "mq submits tasks and workflows to a batch scheduler, keeps track of them\n" +
			"and restarts, cancels or holds them as their dependencies finish.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logOut = cmd.ErrOrStderr()
			logger = logging.NewLoggerWithWriter(
				logging.LevelFromVerbosity(flagVerbose, flagQuiet), flagLogFormat, logOut)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().CountVarP(&flagVerbose, "verbose", "v", "More output (repeat for debug output)")
	root.PersistentFlags().CountVarP(&flagQuiet, "quiet", "q", "Less output")
	root.PersistentFlags().BoolVarP(&flagTraceback, "traceback", "T", false, "Show the full error chain")
	root.PersistentFlags().BoolVarP(&flagDryRun, "dry-run", "z", false, "Show what would happen without doing it")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newInitCmd(),
		newSubmitCmd(),
		newResubmitCmd(),
		newWorkflowCmd(),
		newListCmd(),
		newRemoveCmd(),
		newModifyCmd(),
		newKickCmd(),
		newSyncCmd(),
		newInfoCmd(),
		newDaemonCmd(),
		newLocalCmd(),
		newRunCmd(),
	)
	return root
}

// Execute runs mq with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		PrintError(stderr, err, flagTraceback)
		return 1
	}
	return 0
}

// PrintError renders err for the terminal. Errors the user can fix are
// one line, backend failures are shown verbatim and anything else gets a
// hint about -T. With trace set every layer of the chain is printed.
func PrintError(w io.Writer, err error, trace bool) {
	if trace {
		for e := err; e != nil; e = errors.Unwrap(e) {
			fmt.Fprintf(w, "%T: %v\n", e, e)
		}
		return
	}
	var ue *model.UserError
	var te *model.InvalidTransitionError
	var se *model.SchedulerError
	switch {
	case errors.As(err, &se):
		fmt.Fprintln(w, se.Error())
	case errors.As(err, &ue), errors.As(err, &te):
		fmt.Fprintln(w, errorStyle.Render("Error:"), err.Error())
	default:
		fmt.Fprintln(w, errorStyle.Render("Error:"), err.Error())
		fmt.Fprintln(w, mutedStyle.Render("(use -T to see the full error chain)"))
	}
}
