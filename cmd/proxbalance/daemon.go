package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run automation cycles on a timer and serve metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, logger, err := openServer(cmd.Context())
		if err != nil {
			return err
		}
		defer logger.Sync()

		logger.Info("Starting ProxBalance daemon",
			zap.String("version", version),
			zap.String("commit", commit),
		)

		// Run closes the server on return.
		if err := srv.Run(cmd.Context()); err != nil {
			logger.Error("Daemon error", zap.Error(err))
			return err
		}

		logger.Info("Goodbye!")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
