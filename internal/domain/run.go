package domain

import "time"

// RunState is a state of the automation state machine.
type RunState string

const (
	RunStateDisabled   RunState = "disabled"
	RunStateIdle       RunState = "idle"
	RunStateEvaluating RunState = "evaluating"
	RunStateExecuting  RunState = "executing"
	RunStateSettled    RunState = "settled"
)

var runStateTransitions = map[RunState][]RunState{
	RunStateIdle:       {RunStateDisabled, RunStateEvaluating},
	RunStateDisabled:   {RunStateIdle},
	RunStateEvaluating: {RunStateExecuting, RunStateSettled},
	RunStateExecuting:  {RunStateEvaluating, RunStateSettled},
	RunStateSettled:    {RunStateIdle},
}

// ValidRunStateTransition reports whether the machine may move from src to dst.
func ValidRunStateTransition(src, dst RunState) bool {
	for _, s := range runStateTransitions[src] {
		if s == dst {
			return true
		}
	}
	return false
}

// RunMode is dry-run or live.
type RunMode string

const (
	RunModeDryRun RunMode = "dry-run"
	RunModeLive   RunMode = "live"
)

// RunOutcome summarizes how a run ended.
type RunOutcome string

const (
	RunOutcomeCompleted RunOutcome = "completed"
	RunOutcomeAborted   RunOutcome = "aborted"
	RunOutcomeSkipped   RunOutcome = "skipped"
	RunOutcomeFailed    RunOutcome = "failed"
)

// DecisionAction is what the orchestrator did with a candidate.
type DecisionAction string

const (
	DecisionExecuted DecisionAction = "executed"
	DecisionFiltered DecisionAction = "filtered"
	DecisionSkipped  DecisionAction = "skipped"
)

// Decision is one entry of the per-run activity log.
type Decision struct {
	Timestamp   time.Time       `json:"timestamp"`
	GuestID     string          `json:"guest_id"`
	GuestName   string          `json:"guest_name"`
	Source      string          `json:"source"`
	Target      string          `json:"target"`
	Action      DecisionAction  `json:"action"`
	Reason      string          `json:"reason"`
	Confidence  float64         `json:"confidence"`
	Improvement float64         `json:"improvement"`
	Status      MigrationStatus `json:"status,omitempty"`
}

// RunCounts aggregates decisions of a run.
type RunCounts struct {
	Candidates int `json:"candidates"`
	Executed   int `json:"executed"`
	Succeeded  int `json:"succeeded"`
	TimedOut   int `json:"timed_out"`
	Failed     int `json:"failed"`
	Filtered   int `json:"filtered"`
	Skipped    int `json:"skipped"`
}

// InFlightMigration is persisted before the executor is called so observers see it.
type InFlightMigration struct {
	GuestID    string    `json:"guest_id"`
	GuestName  string    `json:"guest_name"`
	SourceNode string    `json:"source_node"`
	TargetNode string    `json:"target_node"`
	TaskID     string    `json:"task_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// RunSummary records one automation cycle.
type RunSummary struct {
	ID              string             `json:"id"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      time.Time          `json:"finished_at,omitempty"`
	Mode            RunMode            `json:"mode"`
	State           RunState           `json:"state"`
	Outcome         RunOutcome         `json:"outcome,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	Window          string             `json:"window,omitempty"`
	Decisions       []Decision         `json:"decisions,omitempty"`
	Counts          RunCounts          `json:"counts"`
	DurationSeconds float64            `json:"duration_seconds"`
	InFlight        *InFlightMigration `json:"in_flight,omitempty"`
}

// Record appends a decision and updates counters.
func (r *RunSummary) Record(d Decision) {
	r.Decisions = append(r.Decisions, d)
	switch d.Action {
	case DecisionExecuted:
		r.Counts.Executed++
		switch d.Status {
		case MigrationStatusCompleted, MigrationStatusDryRun:
			r.Counts.Succeeded++
		case MigrationStatusTimeout:
			r.Counts.TimedOut++
		case MigrationStatusFailed:
			r.Counts.Failed++
		}
	case DecisionFiltered:
		r.Counts.Filtered++
	case DecisionSkipped:
		r.Counts.Skipped++
	}
}
