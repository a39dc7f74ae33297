package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/proxbalance/proxbalance/internal/domain"
)

const (
	defaultCheckInterval = 5 * time.Minute
	shutdownTimeout      = 30 * time.Second
	electionName         = "automation"
)

// LeaderChecker reports whether this instance may run leader-only work.
type LeaderChecker interface {
	IsLeader() bool
}

// Run serves the HTTP endpoints and runs automation cycles every check
// interval until ctx is done. With etcd configured only the elected leader
// runs cycles.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.etcd != nil {
		hostname, _ := os.Hostname()
		s.leader = s.etcd.CampaignForLeader(ctx, electionName, hostname, func(isLeader bool) {
			if isLeader {
				s.logger.Info("This instance is now the automation leader")
			} else {
				s.logger.Info("This instance is now a follower")
			}
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.config.Metrics.Enabled {
		s.logger.Info("Starting HTTP server", zap.String("address", s.httpServer.Addr))
		g.Go(func() error {
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return s.httpServer.Shutdown(shutdownCtx)
		})
	}

	var leader LeaderChecker
	if s.leader != nil {
		leader = s.leader
	}
	g.Go(func() error {
		s.automationLoop(gctx, leader)
		return nil
	})

	err := g.Wait()
	s.Shutdown()
	return err
}

// automationLoop runs one cycle immediately and then one per check interval.
func (s *Server) automationLoop(ctx context.Context, leader LeaderChecker) {
	interval := s.config.Automation.CheckInterval
	if interval <= 0 {
		interval = defaultCheckInterval
	}

	s.logger.Info("Starting automation loop",
		zap.Duration("check_interval", interval),
		zap.Bool("enabled", s.config.Automation.Enabled),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runCycle(ctx, leader)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Automation loop stopped")
			return
		case <-ticker.C:
			s.runCycle(ctx, leader)
		}
	}
}

// runCycle performs one orchestrator run. Failures are logged, never fatal.
func (s *Server) runCycle(ctx context.Context, leader LeaderChecker) {
	// Only run on leader
	if leader != nil && !leader.IsLeader() {
		s.logger.Debug("Not the leader, skipping automation cycle")
		return
	}

	run, err := s.orchestrator.Run(ctx)
	switch {
	case errors.Is(err, domain.ErrLockHeld):
		return
	case err != nil:
		s.logger.Error("Automation cycle failed", zap.Error(err))
		return
	}

	s.logger.Info("Automation cycle finished",
		zap.String("run_id", run.ID),
		zap.String("outcome", string(run.Outcome)),
		zap.String("reason", run.Reason),
	)
}

// Shutdown resigns leadership, waits for running evacuations and closes the backends.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down...")

	if s.leader != nil {
		if err := s.leader.Resign(ctx); err != nil {
			s.logger.Warn("Failed to resign leadership", zap.Error(err))
		}
	}

	if err := s.evacuation.Wait(ctx); err != nil {
		s.logger.Warn("Evacuation sessions still running at shutdown", zap.Error(err))
	}

	if err := s.Close(); err != nil {
		s.logger.Warn("Failed to close backends", zap.Error(err))
	}

	s.logger.Info("Stopped gracefully")
}
