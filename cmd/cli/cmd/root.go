package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Notebook Fleet CLI - manage free-tier GPU notebook workers",
	Long: `Notebook Fleet keeps a pool of free-tier GPU notebook accounts
rotating within their provider quotas.

This CLI tool allows you to:
- Inspect the worker inventory and per-worker quota state
- View live sessions and the rotation schedule
- Start, stop, and activate workers manually`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("NOTEBOOK_FLEET_URL", "http://localhost:8080"), "Notebook Fleet server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
