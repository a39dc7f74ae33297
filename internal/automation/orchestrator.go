package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/config"
	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/drs"
	"github.com/proxbalance/proxbalance/internal/lock"
	"github.com/proxbalance/proxbalance/internal/metrics"
	"github.com/proxbalance/proxbalance/internal/scheduler"
)

// DefaultLockKey is the lock name shared by every automation process.
const DefaultLockKey = "automigrate"

// Notification events.
const (
	EventStart    = "start"
	EventComplete = "complete"
	EventFailure  = "failure"
)

// maxPollFailures is how many consecutive PollTask errors end tracking of a task.
const maxPollFailures = 5

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the wall clock used for windows and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleeper overrides the grace period sleep.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithLockKey overrides DefaultLockKey.
func WithLockKey(key string) Option {
	return func(o *Orchestrator) { o.lockKey = key }
}

// Orchestrator executes one automation cycle per Run call.
type Orchestrator struct {
	config     config.AutomationConfig
	thresholds scheduler.Thresholds
	schedule   *Schedule

	snapshots SnapshotProvider
	generator drs.Generator
	executor  Executor
	history   HistoryRepository
	runs      RunRepository
	locker    lock.Locker
	notifier  Notifier
	metrics   *metrics.Metrics

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	lockKey string
	logger  *zap.Logger

	mu    sync.RWMutex
	state domain.RunState
}

// NewOrchestrator creates a new orchestrator. It fails with
// domain.ErrConfiguration when the schedule cannot be compiled.
func NewOrchestrator(
	cfg config.AutomationConfig,
	th scheduler.Thresholds,
	snapshots SnapshotProvider,
	generator drs.Generator,
	executor Executor,
	history HistoryRepository,
	runs RunRepository,
	locker lock.Locker,
	logger *zap.Logger,
	opts ...Option,
) (*Orchestrator, error) {
	schedule, err := NewSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}

	o := &Orchestrator{
		config:     cfg,
		thresholds: th,
		schedule:   schedule,
		snapshots:  snapshots,
		generator:  generator,
		executor:   executor,
		history:    history,
		runs:       runs,
		locker:     locker,
		notifier:   nopNotifier{},
		now:        time.Now,
		sleep:      sleepContext,
		lockKey:    DefaultLockKey,
		logger:     logger.With(zap.String("component", "automation")),
		state:      domain.RunStateIdle,
	}
	if !cfg.Enabled {
		o.state = domain.RunStateDisabled
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// State returns the current state machine state.
func (o *Orchestrator) State() domain.RunState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) transition(run *domain.RunSummary, to domain.RunState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != to && !domain.ValidRunStateTransition(o.state, to) {
		o.logger.Error("Invalid state transition",
			zap.String("from", string(o.state)),
			zap.String("to", string(to)),
		)
		return
	}
	o.state = to
	if run != nil {
		run.State = to
	}
}

// LastRun returns the most recent run summary.
func (o *Orchestrator) LastRun(ctx context.Context) (*domain.RunSummary, error) {
	return o.runs.Latest(ctx)
}

// Runs returns up to limit recent run summaries, newest first.
func (o *Orchestrator) Runs(ctx context.Context, limit int) ([]*domain.RunSummary, error) {
	return o.runs.List(ctx, limit)
}

// History returns migration history entries matching filter, newest first.
func (o *Orchestrator) History(ctx context.Context, filter domain.HistoryFilter) ([]*domain.HistoryEntry, error) {
	return o.history.List(ctx, filter)
}

// Run performs one automation cycle. It returns domain.ErrLockHeld when
// another cycle is active. A stop at a pre-flight gate is not an error: the
// returned summary carries the gate reason.
func (o *Orchestrator) Run(ctx context.Context) (run *domain.RunSummary, err error) {
	handle, err := o.locker.TryLock(ctx, o.lockKey)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			o.logger.Info("Another automation run is active, skipping")
			return nil, err
		}
		return nil, fmt.Errorf("failed to acquire automation lock: %w", err)
	}
	defer func() {
		if uerr := handle.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			o.logger.Warn("Failed to release automation lock", zap.Error(uerr))
		}
	}()

	mode := domain.RunModeLive
	if o.config.DryRun {
		mode = domain.RunModeDryRun
	}
	run = &domain.RunSummary{
		ID:        uuid.NewString(),
		StartedAt: o.now(),
		Mode:      mode,
		State:     o.State(),
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Automation run panicked", zap.Any("panic", r))
			run.Outcome = domain.RunOutcomeFailed
			run.Reason = fmt.Sprintf("panic: %v", r)
			err = fmt.Errorf("automation run panicked: %v", r)
		}
		o.finish(ctx, run)
	}()

	logger := o.logger.With(zap.String("run_id", run.ID), zap.String("mode", string(mode)))

	if !o.config.Enabled {
		o.transition(run, domain.RunStateDisabled)
		run.Outcome = domain.RunOutcomeSkipped
		run.Reason = "automated migrations disabled"
		logger.Info("Automated migrations disabled")
		return run, nil
	}

	if o.State() == domain.RunStateDisabled {
		o.transition(run, domain.RunStateIdle)
	}
	o.transition(run, domain.RunStateEvaluating)
	logger.Info("Starting automated migration check")

	stopAtGate := func(gate *domain.GateError) (*domain.RunSummary, error) {
		run.Reason = gate.Error()
		if run.Outcome == "" {
			run.Outcome = domain.RunOutcomeSkipped
		}
		logger.Info("Automation run stopped at gate",
			zap.String("gate", gate.Gate),
			zap.String("reason", gate.Reason),
		)
		o.transition(run, domain.RunStateSettled)
		return run, nil
	}

	if gate := o.scheduleGate(run); gate != nil {
		return stopAtGate(gate)
	}

	snap, err := o.snapshots.GetSnapshot(ctx)
	if err != nil {
		run.Outcome = domain.RunOutcomeFailed
		run.Reason = fmt.Sprintf("snapshot unavailable: %v", err)
		return run, fmt.Errorf("failed to get snapshot: %w", err)
	}

	available, active, gate := o.clusterGates(ctx, run, snap)
	if gate != nil {
		return stopAtGate(gate)
	}

	budget := o.config.Rules.MaxMigrationsPerRun
	if available < budget {
		budget = available
	}

	o.loop(ctx, logger, run, snap, active, budget)

	if run.Outcome == "" {
		run.Outcome = domain.RunOutcomeCompleted
	}
	o.transition(run, domain.RunStateSettled)

	if run.Counts.Executed > 0 {
		o.notify(ctx, EventComplete, map[string]interface{}{
			"run_id":     run.ID,
			"total":      run.Counts.Executed,
			"successful": run.Counts.Succeeded,
			"timed_out":  run.Counts.TimedOut,
			"failed":     run.Counts.Failed,
			"dry_run":    o.config.DryRun,
		})
	}

	logger.Info("Automated migration check complete",
		zap.Int("executed", run.Counts.Executed),
		zap.Int("succeeded", run.Counts.Succeeded),
		zap.Int("timed_out", run.Counts.TimedOut),
		zap.Int("failed", run.Counts.Failed),
		zap.Int("filtered", run.Counts.Filtered),
		zap.Int("skipped", run.Counts.Skipped),
	)
	return run, nil
}

// scheduleGate checks the migration windows and then the blackout windows.
// It needs no cluster data, so it runs before the snapshot is read.
func (o *Orchestrator) scheduleGate(run *domain.RunSummary) *domain.GateError {
	now := o.now()

	inWindow, window := o.schedule.InMigrationWindow(now)
	if !inWindow {
		return &domain.GateError{Gate: "migration_window", Reason: "outside all migration windows"}
	}
	run.Window = window

	if blackout, name := o.schedule.InBlackout(now); blackout {
		return &domain.GateError{Gate: "blackout_window", Reason: fmt.Sprintf("in blackout window %s", name)}
	}
	return nil
}

// clusterGates checks quorum and running migrations. It returns the free
// migration slots and the guests with running migration tasks.
func (o *Orchestrator) clusterGates(ctx context.Context, run *domain.RunSummary, snap *domain.Snapshot) (int, map[string]bool, *domain.GateError) {
	safety := o.config.SafetyChecks
	if safety.CheckClusterHealth && safety.RequireQuorum && !snap.ClusterHealth.Quorate {
		gate := &domain.GateError{Gate: "quorum", Reason: "cluster is not quorate"}
		run.Outcome = domain.RunOutcomeAborted
		o.notify(ctx, EventFailure, map[string]interface{}{"run_id": run.ID, "reason": gate.Error()})
		return 0, nil, gate
	}

	active := o.activeMigrations(ctx)
	available := o.config.Rules.MaxConcurrentMigrations - len(active)
	if available <= 0 {
		return 0, nil, &domain.GateError{
			Gate:   "concurrency",
			Reason: fmt.Sprintf("%d migrations already running (max %d)", len(active), o.config.Rules.MaxConcurrentMigrations),
		}
	}
	return available, active, nil
}

// activeMigrations lists guests with running migration tasks. Listing errors
// fail open with a warning.
func (o *Orchestrator) activeMigrations(ctx context.Context) map[string]bool {
	tasks, err := o.executor.ListActiveMigrationTasks(ctx)
	if err != nil {
		o.logger.Warn("Could not list running migrations, assuming none", zap.Error(err))
		return map[string]bool{}
	}
	active := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		active[t.GuestID] = true
	}
	return active
}

// loop selects and executes up to budget candidates, regenerating
// recommendations after every migration. Candidates that were never filtered
// or executed are recorded as skipped with the reason the loop stopped.
func (o *Orchestrator) loop(ctx context.Context, logger *zap.Logger, run *domain.RunSummary, snap *domain.Snapshot, active map[string]bool, budget int) {
	handled := make(map[string]bool)
	seen := make(map[string]bool)
	movedTo := make(map[string][]*domain.Guest)
	started := false
	executed := 0

	var pending skipTracker
	stop := fmt.Sprintf("migration budget exhausted (%d/%d)", budget, budget)
	defer func() {
		for _, c := range pending.undecided(handled) {
			run.Record(o.decision(c, domain.DecisionSkipped, pending.reason(c, stop), ""))
		}
	}()

	for i := 0; i < budget; i++ {
		if ctx.Err() != nil {
			run.Outcome = domain.RunOutcomeAborted
			run.Reason = "cancelled"
			stop = "run cancelled"
			return
		}

		if i > 0 {
			fresh, err := o.snapshots.GetSnapshot(ctx)
			if err != nil {
				logger.Warn("Failed to refresh snapshot, stopping run", zap.Error(err))
				stop = fmt.Sprintf("snapshot refresh failed: %v", err)
				return
			}
			snap = fresh
			active = o.activeMigrations(ctx)
			o.transition(run, domain.RunStateEvaluating)
		}

		candidates := o.generator.Generate(ctx, snap, o.thresholds, o.config.MaintenanceNodes)
		o.metrics.SetRecommendations(len(candidates))
		if i == 0 {
			run.Counts.Candidates = len(candidates)
		}
		logger.Debug("Generated candidates", zap.Int("iteration", i), zap.Int("count", len(candidates)))
		pending.observe(candidates)

		it := &iteration{snap: snap, active: active, now: o.now()}

		var chosen *domain.Candidate
		for _, c := range candidates {
			if handled[c.GuestID] {
				continue
			}
			if r := o.evaluate(ctx, it, c, movedTo); r != nil {
				o.metrics.CandidateFiltered(r.filter)
				key := c.GuestID + "|" + r.reason
				if !seen[key] {
					seen[key] = true
					run.Record(o.decision(c, domain.DecisionFiltered, r.reason, ""))
				}
				pending.decided(c.GuestID)
				logger.Debug("Candidate filtered",
					zap.String("guest_id", c.GuestID),
					zap.String("filter", r.filter),
					zap.String("reason", r.reason),
				)
				continue
			}
			chosen = c
			break
		}

		if chosen == nil {
			logger.Info("No eligible migrations after filtering")
			return
		}

		if !started {
			started = true
			o.notify(ctx, EventStart, map[string]interface{}{
				"run_id":          run.ID,
				"migration_count": budget,
				"dry_run":         o.config.DryRun,
				"window":          run.Window,
			})
		}

		handled[chosen.GuestID] = true
		o.transition(run, domain.RunStateExecuting)
		status := o.execute(ctx, logger, run, chosen)
		executed++
		stop = fmt.Sprintf("migration budget exhausted (%d/%d)", executed, budget)

		if guest := snap.Guest(chosen.GuestID); guest != nil && status != domain.MigrationStatusFailed {
			movedTo[chosen.TargetNode] = append(movedTo[chosen.TargetNode], guest)
		}

		if status == domain.MigrationStatusFailed {
			o.notify(ctx, EventFailure, map[string]interface{}{
				"run_id":   run.ID,
				"guest_id": chosen.GuestID,
				"source":   chosen.SourceNode,
				"target":   chosen.TargetNode,
			})
			if o.config.SafetyChecks.AbortOnFailure {
				logger.Error("Migration failed, aborting remaining migrations", zap.String("guest_id", chosen.GuestID))
				run.Outcome = domain.RunOutcomeAborted
				run.Reason = fmt.Sprintf("migration of %s failed", chosen.GuestID)
				stop = fmt.Sprintf("aborted after failure of %s", chosen.GuestID)
				return
			}
			continue
		}

		if status == domain.MigrationStatusCompleted && o.config.Rules.GracePeriodSeconds > 0 && i < budget-1 {
			if err := o.sleep(ctx, time.Duration(o.config.Rules.GracePeriodSeconds)*time.Second); err != nil {
				stop = "run cancelled"
				return
			}
		}
	}
}

func (o *Orchestrator) decision(c *domain.Candidate, action domain.DecisionAction, reason string, status domain.MigrationStatus) domain.Decision {
	return domain.Decision{
		Timestamp:   o.now(),
		GuestID:     c.GuestID,
		GuestName:   c.GuestName,
		Source:      c.SourceNode,
		Target:      c.TargetNode,
		Action:      action,
		Reason:      reason,
		Confidence:  c.Confidence,
		Improvement: c.Improvement,
		Status:      status,
	}
}

// execute migrates one candidate and records the outcome in history.
func (o *Orchestrator) execute(ctx context.Context, logger *zap.Logger, run *domain.RunSummary, c *domain.Candidate) domain.MigrationStatus {
	persistCtx := context.WithoutCancel(ctx)
	started := o.now()

	run.InFlight = &domain.InFlightMigration{
		GuestID:    c.GuestID,
		GuestName:  c.GuestName,
		SourceNode: c.SourceNode,
		TargetNode: c.TargetNode,
		StartedAt:  started,
	}
	o.persist(persistCtx, run)

	logger.Info("Migrating guest",
		zap.String("guest_id", c.GuestID),
		zap.String("guest_type", string(c.GuestType)),
		zap.String("source", c.SourceNode),
		zap.String("target", c.TargetNode),
		zap.Float64("target_score", c.TargetScore),
		zap.Float64("confidence", c.Confidence),
		zap.String("reason", c.Reason),
	)

	entry := &domain.HistoryEntry{
		GuestID:     c.GuestID,
		GuestName:   c.GuestName,
		SourceNode:  c.SourceNode,
		TargetNode:  c.TargetNode,
		Reason:      c.Reason,
		Confidence:  c.Confidence,
		TargetScore: c.TargetScore,
		InitiatedBy: domain.InitiatorAutomated,
		DryRun:      o.config.DryRun,
		Window:      run.Window,
	}

	if o.config.DryRun {
		entry.Status = domain.MigrationStatusDryRun
	} else {
		taskID, err := o.executor.StartMigration(ctx, c.GuestID, c.SourceNode, c.TargetNode, c.GuestType)
		if err != nil {
			entry.Status = domain.MigrationStatusFailed
			entry.Error = err.Error()
		} else {
			entry.TaskID = taskID
			run.InFlight.TaskID = taskID
			o.persist(persistCtx, run)
			entry.Status, entry.Error = o.waitForTask(ctx, c.SourceNode, taskID)
		}
	}

	elapsed := o.now().Sub(started)
	entry.DurationSeconds = elapsed.Seconds()
	entry.Timestamp = o.now()

	if err := o.history.Append(persistCtx, entry); err != nil {
		logger.Error("Failed to record migration history", zap.String("guest_id", c.GuestID), zap.Error(err))
	}
	o.metrics.ObserveMigration(string(domain.InitiatorAutomated), string(entry.Status), elapsed)

	run.InFlight = nil
	reason := c.Reason
	if entry.Error != "" {
		reason = fmt.Sprintf("%s: %s", c.Reason, entry.Error)
	}
	run.Record(o.decision(c, domain.DecisionExecuted, reason, entry.Status))
	o.persist(persistCtx, run)

	logger.Info("Migration finished",
		zap.String("guest_id", c.GuestID),
		zap.String("status", string(entry.Status)),
		zap.Float64("duration_seconds", entry.DurationSeconds),
	)
	return entry.Status
}

// waitForTask polls a migration task until it stops, the optional timeout
// elapses or ctx is cancelled.
func (o *Orchestrator) waitForTask(ctx context.Context, node, taskID string) (domain.MigrationStatus, string) {
	var deadline <-chan time.Time
	if o.config.MigrationTimeout > 0 {
		timer := time.NewTimer(o.config.MigrationTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return domain.MigrationStatusTimeout, fmt.Sprintf("stopped tracking task: %v", ctx.Err())
		case <-deadline:
			return domain.MigrationStatusTimeout, fmt.Sprintf("task did not finish within %s", o.config.MigrationTimeout)
		case <-ticker.C:
		}

		status, err := o.executor.PollTask(ctx, node, taskID)
		if err != nil {
			failures++
			o.logger.Warn("Failed to poll migration task",
				zap.String("task_id", taskID),
				zap.Int("failures", failures),
				zap.Error(err),
			)
			if failures >= maxPollFailures {
				return domain.MigrationStatusFailed, fmt.Sprintf("lost track of task: %v", err)
			}
			continue
		}
		failures = 0

		if !status.Stopped() {
			continue
		}
		if status.Succeeded() {
			return domain.MigrationStatusCompleted, ""
		}
		return domain.MigrationStatusFailed, fmt.Sprintf("task exited with %q", status.ExitStatus)
	}
}

func (o *Orchestrator) persist(ctx context.Context, run *domain.RunSummary) {
	if err := o.runs.Record(ctx, run); err != nil {
		o.logger.Warn("Failed to persist run summary", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// finish records the summary and returns the machine to its resting state.
func (o *Orchestrator) finish(ctx context.Context, run *domain.RunSummary) {
	state := o.State()
	if state != domain.RunStateDisabled && state != domain.RunStateSettled {
		o.transition(run, domain.RunStateSettled)
	}

	run.FinishedAt = o.now()
	run.DurationSeconds = run.FinishedAt.Sub(run.StartedAt).Seconds()
	run.InFlight = nil

	o.persist(context.WithoutCancel(ctx), run)
	o.metrics.ObserveRun(string(run.State), string(run.Outcome), run.FinishedAt.Sub(run.StartedAt))

	if o.State() == domain.RunStateSettled {
		o.transition(nil, domain.RunStateIdle)
	}
}

func (o *Orchestrator) notify(ctx context.Context, event string, data map[string]interface{}) {
	if err := o.notifier.Notify(context.WithoutCancel(ctx), event, data); err != nil {
		o.logger.Warn("Failed to send notification", zap.String("event", event), zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
