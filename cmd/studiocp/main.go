package main

import (
	"context"
	"fmt"
	"os"

	"github.com/inkdesk/studiocp/internal/studiocp"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "studiocp",
	Short: "Studio control plane - tenant provisioning and billing reconciliation",
	Long: `studiocp creates studio tenants, opens Stripe checkout and portal sessions,
applies Stripe webhooks idempotently and repairs tenants from Stripe on demand.`,
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return studiocp.Run(cmd.Context(), Version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane HTTP server (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return studiocp.Run(cmd.Context(), Version)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the tenant registry and event ledger schema, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return studiocp.Migrate(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "studiocp %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
