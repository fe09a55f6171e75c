package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edvin/boosterclub/internal/app"
	"github.com/edvin/boosterclub/internal/config"
	"github.com/edvin/boosterclub/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "backupctl",
		Short: "Operate the booster club backup engine",
		Long: `backupctl runs backups, restores and retention cleanup against the
database and object store configured in the environment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newBackupCmd(),
		newStatusCmd(),
		newListCmd(),
		newRestoreCmd(),
		newAnalyzeCmd(),
		newCleanupCmd(),
		newDeleteCmd(),
		newMigrateCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate("cli"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withApp builds the engine for a single command and closes it afterwards.
func withApp(cmd *cobra.Command, opts app.Options, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.NewConsoleLogger(cfg)

	a, err := app.New(cmd.Context(), cfg, logger, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(cmd.Context(), a)
}
