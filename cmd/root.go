// Package cmd defines and implements the CLI commands for the emailcrawler executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/store-email-crawler/internal/config"
)

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// loadConfig is a variable so tests can inject configuration.
var loadConfig = config.Load

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "emailcrawler",
		Short: "Continuously scrapes store websites for contact emails.",
		Long: `emailcrawler claims store websites from a job table, crawls each one
politely with per-host rate control, and records the contact emails it finds.`,
		SilenceUsage: true,

		// Runs before every subcommand; the loaded config travels in the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env SCRAPER_* overrides apply)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newEnqueueCmd())

	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
