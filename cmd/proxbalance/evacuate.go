package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/evacuation"
)

// cancelGrace bounds how long an interrupted evacuation may take to wind down.
const cancelGrace = 2 * time.Minute

var evacuateCmd = &cobra.Command{
	Use:   "evacuate",
	Short: "Plan and run node evacuations",
}

var evacuatePlanCmd = &cobra.Command{
	Use:   "plan <node>",
	Short: "Show where every guest on a node would go",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, logger, err := openServer(cmd.Context())
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer srv.Close()

		plan, err := srv.Evacuation().Plan(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, plan)
	},
}

var evacuateRunCmd = &cobra.Command{
	Use:   "run <node>",
	Short: "Evacuate a node and wait for the session to finish",
	Long: `Evacuates every guest on a node. Guests are migrated unless an
--action override says otherwise, e.g. --action 105=poweroff --action 110=ignore.
An interrupt cancels the session after the guest in progress.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetStringArray("action")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		actions, err := parseActions(pairs)
		if err != nil {
			return err
		}

		srv, logger, err := openServer(cmd.Context())
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer srv.Close()

		svc := srv.Evacuation()
		session, err := svc.Start(cmd.Context(), args[0], evacuation.StartOptions{
			Actions: actions,
			DryRun:  dryRun,
		})
		if err != nil {
			return err
		}

		if err := svc.Wait(cmd.Context()); err != nil {
			logger.Warn("Interrupted, cancelling evacuation", zap.String("session_id", session.ID))
			ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
			defer cancel()
			if _, cerr := svc.Cancel(ctx, session.ID); cerr != nil && !errors.Is(cerr, domain.ErrConflict) {
				logger.Error("Failed to cancel evacuation", zap.Error(cerr))
			}
			if werr := svc.Wait(ctx); werr != nil {
				return fmt.Errorf("evacuation %s did not stop: %w", session.ID, werr)
			}
		}

		final, err := svc.Status(context.Background(), session.ID)
		if err != nil {
			return err
		}
		if err := printJSON(cmd, final); err != nil {
			return err
		}
		if final.Status == domain.SessionStatusFailed {
			return fmt.Errorf("evacuation failed: %s", final.Error)
		}
		return nil
	},
}

var evacuateStatusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show one evacuation session, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, logger, err := openServer(cmd.Context())
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer srv.Close()

		if len(args) == 0 {
			sessions, err := srv.Evacuation().List(cmd.Context())
			if err != nil {
				return err
			}
			if sessions == nil {
				sessions = []*domain.EvacuationSession{}
			}
			return printJSON(cmd, sessions)
		}

		session, err := srv.Evacuation().Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, session)
	},
}

// parseActions turns "guest=action" flags into the per-guest override map.
func parseActions(pairs []string) (map[string]domain.EvacuationAction, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	actions := make(map[string]domain.EvacuationAction, len(pairs))
	for _, pair := range pairs {
		guest, name, ok := strings.Cut(pair, "=")
		guest = strings.TrimSpace(guest)
		if !ok || guest == "" {
			return nil, fmt.Errorf("%w: action %q must look like <guest>=<action>", domain.ErrInvalidArgument, pair)
		}
		action, valid := domain.ParseEvacuationAction(strings.ToLower(strings.TrimSpace(name)))
		if !valid {
			return nil, fmt.Errorf("%w: unknown action %q for guest %s", domain.ErrInvalidArgument, name, guest)
		}
		actions[guest] = action
	}
	return actions, nil
}

func init() {
	rootCmd.AddCommand(evacuateCmd)
	evacuateCmd.AddCommand(evacuatePlanCmd, evacuateRunCmd, evacuateStatusCmd)

	evacuateRunCmd.Flags().StringArray("action", nil, "Per-guest action override <guest>=<migrate|ignore|poweroff>")
	evacuateRunCmd.Flags().Bool("dry-run", false, "Plan and record the session without touching guests")
}
