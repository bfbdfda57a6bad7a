// Package commands implements the trdpctl CLI commands.
package commands

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddr   string
	outputFormat string

	httpClient = &http.Client{Timeout: 10 * time.Second}
)

// rootCmd is the trdpctl root command, holding the --addr and --format
// persistent flags every subcommand reads.
var rootCmd = &cobra.Command{
	Use:   "trdpctl",
	Short: "Inspect a running trdpd daemon",
	Long:  "trdpctl queries a trdpd daemon's admin HTTP API for PD publisher/subscriber and MD dialog state.",
}

// Execute runs the trdpctl root command.
func Execute() error {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://localhost:50051",
		"trdpd admin API base URL")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table or json")

	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(pdGenCmd())
	rootCmd.AddCommand(shellCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd.Execute()
}
