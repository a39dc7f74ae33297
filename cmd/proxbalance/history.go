package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/proxbalance/proxbalance/internal/domain"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print migration history, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		guest, _ := cmd.Flags().GetString("guest")
		limit, _ := cmd.Flags().GetInt("limit")
		since, _ := cmd.Flags().GetDuration("since")

		srv, logger, err := openServer(cmd.Context())
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer srv.Close()

		filter := domain.HistoryFilter{GuestID: guest, Limit: limit}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}
		entries, err := srv.Orchestrator().History(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []*domain.HistoryEntry{}
		}
		return printJSON(cmd, entries)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Print recent automation run summaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		srv, logger, err := openServer(cmd.Context())
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer srv.Close()

		runs, err := srv.Orchestrator().Runs(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if runs == nil {
			runs = []*domain.RunSummary{}
		}
		return printJSON(cmd, runs)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(runsCmd)

	historyCmd.Flags().StringP("guest", "g", "", "Only entries for this guest id")
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of entries (0 for all)")
	historyCmd.Flags().Duration("since", 0, "Only entries newer than this age, e.g. 24h")

	runsCmd.Flags().IntP("limit", "n", 0, "Maximum number of runs (0 for all)")
}
