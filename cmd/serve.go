package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/store-email-crawler/internal/server"
)

// newServeCmd runs the scheduler and the operator HTTP surface.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scraping scheduler and HTTP status surface",
		Long: `Builds the application, starts the scheduler (unless scheduler.autostart
is false) and serves /healthz, /readyz, /metrics and the /v1 operator API until
SIGINT or SIGTERM. In-flight sessions are drained within server.shutdown_timeout.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
