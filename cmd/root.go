// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/app"
	"github.com/JakeFAU/media-harvester/internal/config"
	"github.com/JakeFAU/media-harvester/internal/dedup"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/logging"
)

var cfgFile string

type envKeyType string

const envKey envKeyType = "env"

// App is the pipeline surface the commands drive. Tests inject a mock.
type App interface {
	Sources() ([]harvest.Source, error)
	Run(ctx context.Context, sources []harvest.Source) error
	Dedupe(ctx context.Context) (dedup.Stats, error)
	Stats(ctx context.Context) (harvest.Stats, error)
	Close()
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// env carries the loaded configuration and logger to subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Downloads and deduplicates media linked from posts.",
		Long: `harvester walks configured sources (reddit users and subreddits, user
lists, CSV exports, plain URL lists), records every linked URL, downloads
the media behind them through an ordered handler chain, and merges
duplicate files by perceptual or content hash.`,
		SilenceUsage: true,

		// Load configuration and the logger once, before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				File:        cfg.Logging.File,
			})
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (toml, yaml or json)")

	cmd.AddCommand(
		newRunCmd(),
		newDedupeCmd(),
		newStatsCmd(),
		newMigrateCmd(),
		newConfigCmd(),
	)
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// withApp builds the application for the duration of fn.
func withApp(ctx context.Context, cfg config.Config, logger *zap.Logger, fn func(App) error) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()
	return fn(a)
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context so a run can finish its final dedup pass.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
