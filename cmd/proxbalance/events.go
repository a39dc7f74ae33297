package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream evacuation progress and automation notifications",
	Long: `Prints one JSON object per event published by any ProxBalance process
sharing the Redis backend, until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, logger, err := openServer(cmd.Context())
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer srv.Close()

		events, err := srv.Events(cmd.Context())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for event := range events {
			if err := enc.Encode(event); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}
