package main

import (
	"github.com/spf13/cobra"

	"github.com/proxbalance/proxbalance/internal/domain"
)

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Print migration recommendations for the current snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		fresh, _ := cmd.Flags().GetBool("fresh")

		srv, logger, err := openServer(cmd.Context())
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer srv.Close()

		candidates, err := srv.Recommend(cmd.Context(), fresh)
		if err != nil {
			return err
		}
		if candidates == nil {
			candidates = []*domain.Candidate{}
		}
		return printJSON(cmd, candidates)
	},
}

func init() {
	rootCmd.AddCommand(recommendCmd)

	recommendCmd.Flags().Bool("fresh", false, "Ignore cached recommendations")
}
