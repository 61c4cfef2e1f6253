// Package cli implements the agentpulse command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"agentpulse/internal/config"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information injected via ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agentpulse",
	Short: "Real-time telemetry for AI assistant interactions",
	Long: `agentpulse ingests AI assistant interaction events, keeps daily aggregates,
raises threshold alerts and streams live updates to connected dashboards.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "agentpulse %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the YAML or JSON config file")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
