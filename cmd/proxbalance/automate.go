package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/domain"
)

var automateCmd = &cobra.Command{
	Use:   "automate",
	Short: "Run one automated migration cycle",
	Long: `Runs a single guarded automation cycle and prints its summary.

Intended for a systemd timer. A cycle already running elsewhere, or a stop at a
pre-flight gate, exits successfully.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, logger, err := openServer(cmd.Context())
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer srv.Close()

		run, err := srv.Orchestrator().Run(cmd.Context())
		if errors.Is(err, domain.ErrLockHeld) {
			logger.Info("Another automation run holds the lock, exiting")
			return nil
		}
		if run != nil {
			if perr := printJSON(cmd, run); perr != nil {
				return perr
			}
		}
		if err != nil {
			logger.Error("Automation run failed", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(automateCmd)
}
