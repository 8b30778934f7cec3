package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newDedupeCmd creates the 'dedupe' subcommand.
func newDedupeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe",
		Short: "Runs one deduplication pass over downloaded files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), e.cfg, e.logger, func(a App) error {
				st, err := a.Dedupe(cmd.Context())
				if err != nil {
					return fmt.Errorf("dedupe: %w", err)
				}
				return printJSON(cmd, st)
			})
		},
	}
}

// newStatsCmd creates the 'stats' subcommand.
func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Prints record counts from the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), e.cfg, e.logger, func(a App) error {
				st, err := a.Stats(cmd.Context())
				if err != nil {
					return fmt.Errorf("read stats: %w", err)
				}
				return printJSON(cmd, st)
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
