package domain

import "strings"

// TaskState is the coarse state of a hypervisor task.
type TaskState string

const (
	TaskStateRunning TaskState = "running"
	TaskStateStopped TaskState = "stopped"
)

// TaskStatus is the polled status of a hypervisor task.
type TaskStatus struct {
	Status     TaskState `json:"status"`
	ExitStatus string    `json:"exitstatus,omitempty"`
	Progress   float64   `json:"progress,omitempty"`
}

// Stopped returns true once the task reached a terminal state.
func (t *TaskStatus) Stopped() bool {
	return t.Status == TaskStateStopped
}

// Succeeded returns true for a stopped task that exited cleanly.
func (t *TaskStatus) Succeeded() bool {
	return t.Stopped() && t.ExitStatus == "OK"
}

// Aborted returns true when the task was interrupted rather than failing on its own.
func (t *TaskStatus) Aborted() bool {
	exit := strings.ToLower(t.ExitStatus)
	return strings.Contains(exit, "interrupted") || strings.Contains(exit, "abort") || strings.Contains(exit, "cancel")
}

// ActiveTask is a migration task currently running somewhere in the cluster.
type ActiveTask struct {
	TaskID  string `json:"upid"`
	Node    string `json:"node"`
	GuestID string `json:"id"`
	Type    string `json:"type"`
	PID     int    `json:"pid"`
}
