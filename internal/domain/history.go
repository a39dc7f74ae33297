package domain

import "time"

// MigrationStatus is the recorded outcome of one migration.
type MigrationStatus string

const (
	MigrationStatusCompleted MigrationStatus = "completed"
	MigrationStatusFailed    MigrationStatus = "failed"
	MigrationStatusTimeout   MigrationStatus = "timeout"
	MigrationStatusDryRun    MigrationStatus = "dry-run"
)

// Initiator names what triggered a migration.
type Initiator string

const (
	InitiatorAutomated  Initiator = "automated"
	InitiatorEvacuation Initiator = "evacuation"
	InitiatorManual     Initiator = "manual"
)

// HistoryEntry is an append-only record of a migration attempt.
type HistoryEntry struct {
	ID              string          `json:"id"`
	Timestamp       time.Time       `json:"timestamp"`
	GuestID         string          `json:"guest_id"`
	GuestName       string          `json:"guest_name"`
	SourceNode      string          `json:"source_node"`
	TargetNode      string          `json:"target_node"`
	Reason          string          `json:"reason"`
	Confidence      float64         `json:"confidence"`
	TargetScore     float64         `json:"target_score"`
	Status          MigrationStatus `json:"status"`
	DurationSeconds float64         `json:"duration_seconds"`
	TaskID          string          `json:"task_id,omitempty"`
	Error           string          `json:"error,omitempty"`
	InitiatedBy     Initiator       `json:"initiated_by"`
	DryRun          bool            `json:"dry_run"`
	Window          string          `json:"window,omitempty"`
}

// Moved returns true if the guest actually changed node, or may have.
// Timeouts count because the task may still finish after polling stops.
func (h *HistoryEntry) Moved() bool {
	return h.Status == MigrationStatusCompleted || h.Status == MigrationStatusTimeout
}

// HistoryFilter narrows history queries.
type HistoryFilter struct {
	GuestID string
	Since   time.Time
	Limit   int
}

// Matches reports whether an entry passes the filter (Limit is applied by the caller).
func (f HistoryFilter) Matches(e *HistoryEntry) bool {
	if f.GuestID != "" && e.GuestID != f.GuestID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
