// Package evacuation drains every guest off one node in a tracked background session.
package evacuation

import (
	"context"

	"github.com/proxbalance/proxbalance/internal/domain"
)

// SnapshotProvider returns the latest cluster snapshot.
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context) (*domain.Snapshot, error)
}

// Executor issues and tracks hypervisor tasks.
type Executor interface {
	StartMigration(ctx context.Context, guestID, source, target string, guestType domain.GuestType) (string, error)
	ShutdownGuest(ctx context.Context, node, guestID string, guestType domain.GuestType) (string, error)
	PollTask(ctx context.Context, node, taskID string) (*domain.TaskStatus, error)
	TaskLog(ctx context.Context, node, taskID string, limit int) ([]string, error)
	CancelTask(ctx context.Context, node, taskID string) error
}

// StorageQuery reports storage availability and guest requirements.
type StorageQuery interface {
	ListAvailableStorage(ctx context.Context, node string) (map[string]bool, error)
	GetGuestStorageRequirements(ctx context.Context, node, guestID string) ([]string, error)
}

// SessionRepository persists evacuation sessions. Update must apply fn as an
// atomic read-modify-write.
type SessionRepository interface {
	Create(ctx context.Context, s *domain.EvacuationSession) error
	Get(ctx context.Context, id string) (*domain.EvacuationSession, error)
	Update(ctx context.Context, id string, fn func(*domain.EvacuationSession) error) (*domain.EvacuationSession, error)
	List(ctx context.Context) ([]*domain.EvacuationSession, error)
}

// HistoryRecorder receives one entry per evacuated guest.
type HistoryRecorder interface {
	Append(ctx context.Context, entry *domain.HistoryEntry) error
}

// EventPublisher broadcasts session progress to live subscribers.
type EventPublisher interface {
	PublishSession(ctx context.Context, s *domain.EvacuationSession) error
}
