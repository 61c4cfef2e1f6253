package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var repairCmd = &cobra.Command{
	Use:   "repair <date>",
	Short: "Recompute a daily aggregate from its stored events",
	Long: `Rebuild the aggregate for one date (YYYY-MM-DD) by folding every stored
event of that date in arrival order. Use it after manual edits to the events
table or when an aggregate is suspected to have drifted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, logger := loadConfig()
		st, err := openStore(cmd.Context(), manager.Get(), logger, true)
		if err != nil {
			return err
		}
		defer st.Close()

		agg, err := st.RecomputeAggregate(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("recomputing %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: total %d, success %d, errors %d, error rate %.2f%%, avg latency %.1fms\n",
			agg.Date, agg.Total, agg.SuccessCount, agg.ErrorCount, agg.ErrorRate, agg.AvgLatencyMS)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(repairCmd)
}
