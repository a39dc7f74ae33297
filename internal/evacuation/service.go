package evacuation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/proxbalance/proxbalance/internal/config"
	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/metrics"
)

var errCancelled = errors.New("evacuation cancelled")

// StartOptions controls an evacuation run.
type StartOptions struct {
	// Actions overrides the per-guest action; unlisted guests are migrated.
	Actions map[string]domain.EvacuationAction
	DryRun  bool
}

// Service plans and executes node evacuations.
type Service struct {
	config           config.EvacuationConfig
	maintenanceNodes []string

	snapshots SnapshotProvider
	executor  Executor
	storage   StorageQuery
	sessions  SessionRepository
	history   HistoryRecorder
	publisher EventPublisher
	metrics   *metrics.Metrics

	workers *errgroup.Group
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	active  map[string]string             // node -> session id
	cancels map[string]context.CancelFunc // session id -> worker cancel
}

// Option configures a Service.
type Option func(*Service)

// WithHistory records each evacuated guest in the migration history.
func WithHistory(h HistoryRecorder) Option {
	return func(s *Service) { s.history = h }
}

// WithPublisher broadcasts session progress.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMaintenanceNodes excludes configured maintenance nodes from targets.
func WithMaintenanceNodes(nodes []string) Option {
	return func(s *Service) { s.maintenanceNodes = nodes }
}

// NewService creates a new evacuation service. storage may be nil.
func NewService(
	cfg config.EvacuationConfig,
	snapshots SnapshotProvider,
	executor Executor,
	storage StorageQuery,
	sessions SessionRepository,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	if cfg.PendingWeight <= 0 {
		cfg.PendingWeight = 10
	}
	if cfg.TaskLogLines <= 0 {
		cfg.TaskLogLines = 50
	}

	workers := &errgroup.Group{}
	if cfg.MaxConcurrentSessions > 0 {
		workers.SetLimit(cfg.MaxConcurrentSessions)
	}

	s := &Service{
		config:    cfg,
		snapshots: snapshots,
		executor:  executor,
		storage:   storage,
		sessions:  sessions,
		workers:   workers,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "evacuation")),
		active:    make(map[string]string),
		cancels:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) drainingNodes() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	draining := make(map[string]bool, len(s.active))
	for node := range s.active {
		draining[node] = true
	}
	return draining
}

// Start plans the evacuation of node and executes it in the background. It
// returns the created session immediately. A node that is already being
// evacuated yields domain.ErrConflict.
func (s *Service) Start(ctx context.Context, node string, opts StartOptions) (*domain.EvacuationSession, error) {
	for guestID, action := range opts.Actions {
		if _, ok := domain.ParseEvacuationAction(string(action)); !ok {
			return nil, fmt.Errorf("%w: unknown action %q for guest %s", domain.ErrInvalidArgument, action, guestID)
		}
	}

	snap, err := s.snapshots.GetSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[node]; ok {
		return nil, fmt.Errorf("%w: node %s is already being evacuated by session %s", domain.ErrConflict, node, id)
	}

	draining := make(map[string]bool, len(s.active))
	for n := range s.active {
		draining[n] = true
	}
	plan, err := s.plan(ctx, snap, node, draining)
	if err != nil {
		return nil, err
	}

	session := &domain.EvacuationSession{
		ID:        uuid.NewString(),
		Node:      node,
		Status:    domain.SessionStatusStarting,
		DryRun:    opts.DryRun,
		Progress:  domain.SessionProgress{Total: len(plan.Guests)},
		Plan:      plan,
		StartedAt: s.now(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	started := s.workers.TryGo(func() error {
		s.run(workerCtx, session.ID, plan, opts)
		return nil
	})
	if !started {
		cancel()
		s.failSession(context.WithoutCancel(ctx), session.ID, "too many concurrent evacuations")
		return nil, fmt.Errorf("%w: too many concurrent evacuations", domain.ErrUnavailable)
	}

	s.active[node] = session.ID
	s.cancels[session.ID] = cancel
	s.metrics.EvacuationStarted()

	s.logger.Info("Evacuation started",
		zap.String("session_id", session.ID),
		zap.String("node", node),
		zap.Int("guests", len(plan.Guests)),
		zap.Bool("dry_run", opts.DryRun),
	)
	return session.Clone(), nil
}

// Status returns the current state of a session.
func (s *Service) Status(ctx context.Context, id string) (*domain.EvacuationSession, error) {
	return s.sessions.Get(ctx, id)
}

// List returns all sessions, newest first.
func (s *Service) List(ctx context.Context) ([]*domain.EvacuationSession, error) {
	return s.sessions.List(ctx)
}

// Cancel asks a running session to stop. The guest in progress has its task
// cancelled; remaining guests are not processed.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.EvacuationSession, error) {
	updated, err := s.sessions.Update(ctx, id, func(sess *domain.EvacuationSession) error {
		if sess.Status.IsTerminal() {
			return fmt.Errorf("%w: session %s is %s", domain.ErrConflict, id, sess.Status)
		}
		sess.CancelRequested = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	cancel := s.cancels[id]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.logger.Info("Evacuation cancellation requested", zap.String("session_id", id))
	return updated, nil
}

// Wait blocks until every background session finishes or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the session worker. It owns the session until it reaches a terminal status.
func (s *Service) run(ctx context.Context, id string, plan *domain.EvacuationPlan, opts StartOptions) {
	persistCtx := context.WithoutCancel(ctx)
	logger := s.logger.With(zap.String("session_id", id), zap.String("node", plan.Node))

	final := domain.SessionStatusCompleted
	var failure string

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Evacuation worker panicked", zap.Any("panic", r))
			final = domain.SessionStatusFailed
			failure = fmt.Sprintf("internal error: %v", r)
		}
		s.finish(persistCtx, id, plan.Node, final, failure)
	}()

	if _, err := s.update(persistCtx, id, func(sess *domain.EvacuationSession) error {
		sess.Status = domain.SessionStatusRunning
		return nil
	}); err != nil {
		final, failure = domain.SessionStatusFailed, err.Error()
		return
	}

	for _, gp := range plan.Guests {
		sess, err := s.update(persistCtx, id, func(sess *domain.EvacuationSession) error {
			if sess.CancelRequested {
				return errCancelled
			}
			sess.Progress.CurrentGuest = gp.GuestID
			return nil
		})
		if errors.Is(err, errCancelled) || ctx.Err() != nil {
			final = domain.SessionStatusCancelled
			logger.Info("Evacuation cancelled", zap.String("next_guest", gp.GuestID))
			return
		}
		if err != nil {
			final, failure = domain.SessionStatusFailed, err.Error()
			return
		}

		result := s.handleGuest(ctx, logger, sess.Node, gp, opts)
		s.metrics.EvacuationGuest(string(result.Action), string(result.Status))

		if _, err := s.update(persistCtx, id, func(sess *domain.EvacuationSession) error {
			sess.AddResult(result)
			sess.Progress.CurrentGuest = ""
			return nil
		}); err != nil {
			final, failure = domain.SessionStatusFailed, err.Error()
			return
		}
	}

	if ctx.Err() != nil {
		final = domain.SessionStatusCancelled
	}
}

func (s *Service) finish(ctx context.Context, id, node string, status domain.SessionStatus, failure string) {
	finished := s.now()
	if _, err := s.update(ctx, id, func(sess *domain.EvacuationSession) error {
		sess.Status = status
		sess.Completed = true
		sess.Error = failure
		sess.Progress.CurrentGuest = ""
		sess.FinishedAt = &finished
		return nil
	}); err != nil {
		s.logger.Error("Failed to finalize evacuation session", zap.String("session_id", id), zap.Error(err))
	}

	s.mu.Lock()
	if s.active[node] == id {
		delete(s.active, node)
	}
	if cancel := s.cancels[id]; cancel != nil {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()

	s.metrics.EvacuationFinished(string(status))
	s.logger.Info("Evacuation finished",
		zap.String("session_id", id),
		zap.String("node", node),
		zap.String("status", string(status)),
	)
}

func (s *Service) failSession(ctx context.Context, id, reason string) {
	finished := s.now()
	if _, err := s.update(ctx, id, func(sess *domain.EvacuationSession) error {
		sess.Status = domain.SessionStatusFailed
		sess.Completed = true
		sess.Error = reason
		sess.FinishedAt = &finished
		return nil
	}); err != nil {
		s.logger.Error("Failed to mark session failed", zap.String("session_id", id), zap.Error(err))
	}
}

func (s *Service) update(ctx context.Context, id string, fn func(*domain.EvacuationSession) error) (*domain.EvacuationSession, error) {
	sess, err := s.sessions.Update(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	if s.publisher != nil {
		if perr := s.publisher.PublishSession(ctx, sess); perr != nil {
			s.logger.Warn("Failed to publish session progress", zap.String("session_id", id), zap.Error(perr))
		}
	}
	return sess, nil
}

func (s *Service) handleGuest(ctx context.Context, logger *zap.Logger, node string, gp *domain.GuestPlan, opts StartOptions) domain.GuestResult {
	action := domain.ActionMigrate
	if a, ok := opts.Actions[gp.GuestID]; ok {
		action = a
	}

	result := domain.GuestResult{
		GuestID:   gp.GuestID,
		GuestName: gp.GuestName,
		Action:    action,
	}
	started := s.now()
	defer func() {
		logger.Info("Guest handled",
			zap.String("guest_id", gp.GuestID),
			zap.String("action", string(action)),
			zap.String("status", string(result.Status)),
			zap.String("error", result.Error),
		)
	}()

	switch action {
	case domain.ActionIgnore:
		result.Status = domain.GuestResultSkipped
		result.Error = "ignored by operator"
		return result

	case domain.ActionPowerOff:
		if opts.DryRun {
			result.Status = domain.GuestResultSuccess
			return result
		}
		taskID, err := s.executor.ShutdownGuest(ctx, node, gp.GuestID, gp.GuestType)
		if err != nil {
			result.Status = domain.GuestResultFailed
			result.Error = fmt.Sprintf("shutdown failed: %v", err)
			return result
		}
		result.TaskID = taskID
		result.Status, result.Error = s.waitForTask(ctx, node, taskID)
		result.DurationSeconds = s.now().Sub(started).Seconds()
		return result
	}

	if gp.Skipped {
		result.Status = domain.GuestResultSkipped
		result.Error = gp.Reason
		return result
	}
	if !gp.Migratable {
		result.Status = domain.GuestResultFailed
		result.Error = gp.Reason
		return result
	}

	result.TargetNode = gp.TargetNode
	if opts.DryRun {
		result.Status = domain.GuestResultSuccess
		return result
	}

	taskID, err := s.executor.StartMigration(ctx, gp.GuestID, node, gp.TargetNode, gp.GuestType)
	if err != nil {
		result.Status = domain.GuestResultFailed
		result.Error = fmt.Sprintf("failed to start migration: %v", err)
	} else {
		result.TaskID = taskID
		result.Status, result.Error = s.waitForTask(ctx, node, taskID)
	}
	result.DurationSeconds = s.now().Sub(started).Seconds()

	s.recordHistory(ctx, node, gp, result)
	return result
}

// waitForTask polls a task every PollInterval for at most MaxWait.
func (s *Service) waitForTask(ctx context.Context, node, taskID string) (domain.GuestResultStatus, string) {
	deadline := time.NewTimer(s.config.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.executor.CancelTask(context.WithoutCancel(ctx), node, taskID); err != nil {
				s.logger.Warn("Failed to cancel task", zap.String("task_id", taskID), zap.Error(err))
			}
			return domain.GuestResultFailed, "cancelled by operator"
		case <-deadline.C:
			return domain.GuestResultTimeout, fmt.Sprintf("task did not finish within %s", s.config.MaxWait)
		case <-ticker.C:
		}

		status, err := s.executor.PollTask(ctx, node, taskID)
		if err != nil {
			s.logger.Warn("Failed to poll task", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		if !status.Stopped() {
			continue
		}
		if status.Succeeded() {
			return domain.GuestResultSuccess, ""
		}
		return domain.GuestResultFailed, s.taskError(ctx, node, taskID, status)
	}
}

// taskError derives a readable failure message from the task log tail.
func (s *Service) taskError(ctx context.Context, node, taskID string, status *domain.TaskStatus) string {
	prefix := "task failed"
	if status.Aborted() {
		prefix = "task aborted"
	}

	lines, err := s.executor.TaskLog(ctx, node, taskID, s.config.TaskLogLines)
	if err != nil || len(lines) == 0 {
		return fmt.Sprintf("%s: %s", prefix, status.ExitStatus)
	}

	detail := ""
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || line == "TASK OK" {
			continue
		}
		if detail == "" {
			detail = line
		}
		if strings.Contains(strings.ToLower(line), "error") {
			detail = line
			break
		}
	}
	if detail == "" {
		detail = status.ExitStatus
	}
	return fmt.Sprintf("%s: %s", prefix, detail)
}

func (s *Service) recordHistory(ctx context.Context, node string, gp *domain.GuestPlan, r domain.GuestResult) {
	if s.history == nil {
		return
	}

	status := domain.MigrationStatusCompleted
	switch r.Status {
	case domain.GuestResultFailed:
		status = domain.MigrationStatusFailed
	case domain.GuestResultTimeout:
		status = domain.MigrationStatusTimeout
	}

	entry := &domain.HistoryEntry{
		Timestamp:       s.now(),
		GuestID:         gp.GuestID,
		GuestName:       gp.GuestName,
		SourceNode:      node,
		TargetNode:      gp.TargetNode,
		Reason:          fmt.Sprintf("Evacuate node %s", node),
		Status:          status,
		DurationSeconds: r.DurationSeconds,
		TaskID:          r.TaskID,
		Error:           r.Error,
		InitiatedBy:     domain.InitiatorEvacuation,
	}
	if err := s.history.Append(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("Failed to record evacuation history", zap.String("guest_id", gp.GuestID), zap.Error(err))
	}
	s.metrics.ObserveMigration(string(domain.InitiatorEvacuation), string(status), time.Duration(r.DurationSeconds*float64(time.Second)))
}
