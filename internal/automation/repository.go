// Package automation runs guarded automatic migration cycles.
package automation

import (
	"context"

	"github.com/proxbalance/proxbalance/internal/domain"
)

// SnapshotProvider returns the latest cluster snapshot.
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context) (*domain.Snapshot, error)
}

// Executor starts and tracks hypervisor migration tasks.
type Executor interface {
	StartMigration(ctx context.Context, guestID, source, target string, guestType domain.GuestType) (string, error)
	PollTask(ctx context.Context, node, taskID string) (*domain.TaskStatus, error)
	ListActiveMigrationTasks(ctx context.Context) ([]domain.ActiveTask, error)
}

// HistoryRepository is the append-only migration history.
type HistoryRepository interface {
	Append(ctx context.Context, entry *domain.HistoryEntry) error
	List(ctx context.Context, filter domain.HistoryFilter) ([]*domain.HistoryEntry, error)
}

// RunRepository keeps recent run summaries.
type RunRepository interface {
	// Record inserts or replaces a summary by ID.
	Record(ctx context.Context, run *domain.RunSummary) error
	Latest(ctx context.Context) (*domain.RunSummary, error)
	List(ctx context.Context, limit int) ([]*domain.RunSummary, error)
}

// Notifier delivers lifecycle events (start, complete, failure).
type Notifier interface {
	Notify(ctx context.Context, event string, data map[string]interface{}) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, map[string]interface{}) error { return nil }
