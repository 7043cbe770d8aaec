package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/me/myqueue/internal/config"
	"github.com/me/myqueue/internal/fsutil"
)

func newInitCmd() *cobra.Command {
	var scheduler string

	cmd := &cobra.Command{
		Use:   "init [folder]",
		Short: "Make a folder the root of a MyQueue tree",
		Long: "Create a .myqueue directory with a config.yaml. The configuration is copied\n" +
			"from $HOME/.myqueue/config.yaml when that exists, otherwise the scheduler is\n" +
			"guessed from the submit commands found on PATH.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folders, err := absFolders(args)
			if err != nil {
				return err
			}
			root := folders[0]
			out := cmd.OutOrStdout()

			if fsutil.Exists(filepath.Join(root, config.DirName, config.FileName)) {
				fmt.Fprintf(out, "%s is already a MyQueue tree\n", root)
				return config.RegisterFolder(root)
			}

			cfg, err := templateConfig()
			if err != nil {
				return err
			}
			if scheduler != "" {
				cfg.Scheduler = scheduler
			}
			cfg.Home = root
			if err := cfg.Validate(); err != nil {
				return err
			}
			if flagDryRun {
				fmt.Fprintf(out, "Would create %s with scheduler %s\n", cfg.Dir(), cfg.Scheduler)
				return nil
			}
			if err := os.MkdirAll(cfg.Dir(), 0o755); err != nil {
				return fmt.Errorf("create %s: %w", cfg.Dir(), err)
			}
			if err := config.Save(cfg); err != nil {
				return err
			}
			if err := config.RegisterFolder(root); err != nil {
				return err
			}
			logger.Info("tree initialized", "root", root, "scheduler", cfg.Scheduler)
			fmt.Fprintf(out, "Created %s (scheduler: %s)\n", cfg.Dir(), cfg.Scheduler)
			return nil
		},
	}

	cmd.Flags().StringVarP(&scheduler, "scheduler", "s", "", "Scheduler to use (slurm, pbs, lsf, local, test)")
	return cmd
}

// templateConfig is the user's global configuration when there is one and
// a guessed one otherwise.
func templateConfig() (config.Config, error) {
	global, err := config.GlobalDir()
	if err != nil {
		return config.Config{}, err
	}
	if fsutil.Exists(filepath.Join(global, config.FileName)) {
		return config.Load(filepath.Dir(global))
	}
	cfg := config.Default()
	cfg.Scheduler = config.Guess()
	return cfg, nil
}
