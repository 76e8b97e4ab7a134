package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/store-email-crawler/internal/logging"
	"github.com/JakeFAU/store-email-crawler/internal/server"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the job tables for the configured backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush
			if err := server.Migrate(cmd.Context(), cfg, logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", cfg.Storage.Backend)
			return nil
		},
	}
}
