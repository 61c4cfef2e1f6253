package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"agentpulse/internal/gateway"
	"agentpulse/internal/report"
)

var reportOut string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export or display stored telemetry",
}

var reportExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the last 30 days, recent errors and alerts to a JSON file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, logger := loadConfig()
		st, err := openStore(cmd.Context(), manager.Get(), logger, true)
		if err != nil {
			return err
		}
		defer st.Close()

		rep, err := report.Build(cmd.Context(), st, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("building report: %w", err)
		}
		if err := report.Write(reportOut, rep); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		if err := report.RenderReport(cmd.OutOrStdout(), rep); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", reportOut)
		return nil
	},
}

var reportDashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Print today's figures, recent sessions and alerts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, logger := loadConfig()
		cfg := manager.Get()
		st, err := openStore(cmd.Context(), cfg, logger, true)
		if err != nil {
			return err
		}
		defer st.Close()

		gw := gateway.New(gateway.Options{
			Store:          st,
			Logger:         logger,
			Location:       cfg.Location(),
			SnapshotEvents: cfg.Hub.SnapshotEvents,
			SnapshotDays:   cfg.Hub.SnapshotDays,
		})
		snap, err := gw.Snapshot(cmd.Context())
		if err != nil {
			return fmt.Errorf("loading snapshot: %w", err)
		}
		if stored, err := st.ListAlerts(cmd.Context(), cfg.Hub.SnapshotEvents); err == nil {
			snap.Alerts = stored
		}
		return report.RenderDashboard(cmd.OutOrStdout(), snap)
	},
}

func init() {
	reportExportCmd.Flags().StringVarP(&reportOut, "out", "o", "agentpulse-report.json", "output file")
	reportCmd.AddCommand(reportExportCmd, reportDashboardCmd)
	rootCmd.AddCommand(reportCmd)
}
