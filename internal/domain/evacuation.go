package domain

import "time"

// SessionStatus is the lifecycle status of an evacuation session.
type SessionStatus string

const (
	SessionStatusStarting  SessionStatus = "starting"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// IsTerminal returns true once the session will receive no more updates.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusCancelled
}

// EvacuationAction is the per-guest action chosen by the operator.
type EvacuationAction string

const (
	ActionMigrate  EvacuationAction = "migrate"
	ActionIgnore   EvacuationAction = "ignore"
	ActionPowerOff EvacuationAction = "poweroff"
)

// ParseEvacuationAction validates an action name.
func ParseEvacuationAction(s string) (EvacuationAction, bool) {
	switch EvacuationAction(s) {
	case ActionMigrate, ActionIgnore, ActionPowerOff:
		return EvacuationAction(s), true
	}
	return "", false
}

// GuestPlan is the planned handling of one guest during an evacuation.
type GuestPlan struct {
	GuestID         string    `json:"guest_id"`
	GuestName       string    `json:"guest_name"`
	GuestType       GuestType `json:"guest_type"`
	Status          string    `json:"status"`
	TargetNode      string    `json:"target_node,omitempty"`
	Migratable      bool      `json:"migratable"`
	Skipped         bool      `json:"skipped,omitempty"`
	RequiresRestart bool      `json:"requires_restart"`
	Offline         bool      `json:"offline,omitempty"`
	Storage         []string  `json:"storage,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

// EvacuationPlan is the computed placement for every guest on a node.
type EvacuationPlan struct {
	Node             string       `json:"node"`
	CreatedAt        time.Time    `json:"created_at"`
	AvailableTargets []string     `json:"available_targets"`
	Guests           []*GuestPlan `json:"guests"`
}

// Guest returns the plan for a guest, or nil.
func (p *EvacuationPlan) Guest(id string) *GuestPlan {
	for _, g := range p.Guests {
		if g.GuestID == id {
			return g
		}
	}
	return nil
}

// GuestResultStatus is the outcome of handling one guest.
type GuestResultStatus string

const (
	GuestResultSuccess GuestResultStatus = "success"
	GuestResultFailed  GuestResultStatus = "failed"
	GuestResultTimeout GuestResultStatus = "timeout"
	GuestResultSkipped GuestResultStatus = "skipped"
)

// GuestResult records what happened to one guest.
type GuestResult struct {
	GuestID         string            `json:"guest_id"`
	GuestName       string            `json:"guest_name"`
	Action          EvacuationAction  `json:"action"`
	TargetNode      string            `json:"target_node,omitempty"`
	Status          GuestResultStatus `json:"status"`
	TaskID          string            `json:"task_id,omitempty"`
	Error           string            `json:"error,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
}

// SessionProgress tracks counts for an evacuation session.
type SessionProgress struct {
	Total        int    `json:"total"`
	Processed    int    `json:"processed"`
	Successful   int    `json:"successful"`
	Failed       int    `json:"failed"`
	CurrentGuest string `json:"current_guest,omitempty"`
}

// EvacuationSession tracks a long-running evacuation.
type EvacuationSession struct {
	ID         string          `json:"id"`
	Node       string          `json:"node"`
	Status     SessionStatus   `json:"status"`
	DryRun     bool            `json:"dry_run"`
	Progress   SessionProgress `json:"progress"`
	Results    []GuestResult   `json:"results"`
	Plan       *EvacuationPlan `json:"plan,omitempty"`
	Completed  bool            `json:"completed"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`

	// CancelRequested is observed by the worker between guests.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// AddResult appends a guest result and advances the progress counters.
func (s *EvacuationSession) AddResult(r GuestResult) {
	s.Results = append(s.Results, r)
	s.Progress.Processed++
	switch r.Status {
	case GuestResultSuccess:
		s.Progress.Successful++
	case GuestResultFailed, GuestResultTimeout:
		s.Progress.Failed++
	}
}

// Clone returns a deep copy of the session.
func (s *EvacuationSession) Clone() *EvacuationSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Results = append([]GuestResult(nil), s.Results...)
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	if s.Plan != nil {
		plan := *s.Plan
		plan.AvailableTargets = append([]string(nil), s.Plan.AvailableTargets...)
		plan.Guests = make([]*GuestPlan, len(s.Plan.Guests))
		for i, g := range s.Plan.Guests {
			gp := *g
			gp.Storage = append([]string(nil), g.Storage...)
			plan.Guests[i] = &gp
		}
		out.Plan = &plan
	}
	return &out
}
