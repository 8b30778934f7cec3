package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/source"
)

type runFlags struct {
	retryFailed bool
	workers     int
	noDedup     bool
	serve       bool
}

// newRunCmd creates the 'run' subcommand.
func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run [url...]",
		Short: "Loads sources and downloads pending media",
		Long: `Scans every configured source, stores new posts and URLs, downloads
everything pending, and deduplicates the results. URLs given as arguments
are added as an extra source named "cli".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarvest(cmd, args, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.retryFailed, "retry-failed", false, "re-download failed URLs that did not return 404")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "number of download workers (overrides config)")
	cmd.Flags().BoolVar(&flags.noDedup, "no-dedup", false, "skip deduplication for this run")
	cmd.Flags().BoolVar(&flags.serve, "serve", false, "expose the status server while running")
	return cmd
}

func runHarvest(cmd *cobra.Command, args []string, flags runFlags) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	cfg := e.cfg
	if cmd.Flags().Changed("retry-failed") {
		cfg.Pipeline.RetryFailed = flags.retryFailed
	}
	if flags.workers > 0 {
		cfg.Pipeline.Workers = flags.workers
	}
	if flags.noDedup {
		cfg.Dedup.Enabled = false
	}
	if flags.serve {
		cfg.Server.Enabled = true
	}

	return withApp(cmd.Context(), cfg, e.logger, func(a App) error {
		sources, err := a.Sources()
		if err != nil {
			return fmt.Errorf("build sources: %w", err)
		}
		if len(args) > 0 {
			sources = append(sources, source.NewURLs("cli", args, false))
		}
		if len(sources) == 0 {
			e.logger.Warn("no sources configured; only pending URLs will be downloaded")
		}

		if err := a.Run(cmd.Context(), sources); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run harvester: %w", err)
		}
		e.logger.Info("Run command finished.", zap.Int("sources", len(sources)))
		return nil
	})
}
