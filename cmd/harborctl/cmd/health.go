package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_dispatch/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the ingest server",
	Long:  `Check the ingest server and its store via /healthz.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var status health.Status
		if err := newAPIClient().do(context.Background(), http.MethodGet, "/healthz", nil, nil, &status); err != nil {
			return fmt.Errorf("✗ service is unhealthy: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), status)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Service is healthy")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
