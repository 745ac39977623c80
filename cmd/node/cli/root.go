// Package cli implements the node's command-line interface using Cobra.
package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vantage6/node/internal/config"
	"github.com/vantage6/node/internal/log"
)

var (
	configPath string
	verbose    bool
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:   "vantage6-node",
	Short: "Run the vantage6 node's Docker execution core",
	Long: `vantage6-node runs the local Docker execution core of a vantage6
federation node: it starts algorithm containers on behalf of the server,
enforces the node's admission policies, and manages the squid egress proxy
and optional VPN side-car every algorithm container's traffic passes
through.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return log.Init(log.Options{
			Verbose:       verbose,
			JSONFormat:    jsonOut,
			DebugDir:      filepath.Join(config.DataDir(), "logs"),
			RetentionDays: 14,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to node config.yaml (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "log in JSON format")

	rootCmd.AddCommand(serveCmd)
}
