package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/internal/localsched"
)

func newLocalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run the built-in local scheduler",
		Long: "The local scheduler runs tasks on this machine for trees configured with\n" +
			"'scheduler: local'. One server can serve several trees.",
	}
	cmd.AddCommand(newLocalServeCmd(), newLocalStopCmd())
	return cmd
}

// localConfig is the configuration of the current tree, or the defaults
// outside of any tree.
func localConfig() (config.Config, error) {
	root, err := config.FindRoot(".")
	if err != nil {
		return config.Default(), nil
	}
	return config.Load(root)
}

func newLocalServeCmd() *cobra.Command {
	var (
		address    string
		maxRunning int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local scheduler in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := localConfig()
			if err != nil {
				return err
			}
			if address == "" {
				address = cfg.Local.Address
			}
			if maxRunning == 0 {
				maxRunning = cfg.Local.MaxRunning
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := localsched.New(maxRunning, 1, logger)
			fmt.Fprintf(cmd.OutOrStdout(), "Local scheduler listening on %s (max %d running)\n", address, maxRunning)
			return srv.ListenAndServe(ctx, address)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "host:port to listen on (default from config)")
	cmd.Flags().IntVar(&maxRunning, "max-running", 0, "Maximum number of tasks running at once (default from config)")
	return cmd
}

func newLocalStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the local scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := localConfig()
			if err != nil {
				return err
			}
			if err := localsched.NewClient(cfg, logger).Stop(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Local scheduler at %s stopped\n", cfg.Local.Address)
			return nil
		},
	}
}
