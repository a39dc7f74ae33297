// Package memory provides in-memory repository implementations for development and testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proxbalance/proxbalance/internal/automation"
	"github.com/proxbalance/proxbalance/internal/domain"
)

// Ensure HistoryRepository implements automation.HistoryRepository
var _ automation.HistoryRepository = (*HistoryRepository)(nil)

// HistoryRepository is an in-memory, append-only migration history.
type HistoryRepository struct {
	mu      sync.RWMutex
	entries []*domain.HistoryEntry
}

// NewHistoryRepository creates a new in-memory history repository.
func NewHistoryRepository() *HistoryRepository {
	return &HistoryRepository{}
}

// Append stores a new entry.
func (r *HistoryRepository) Append(ctx context.Context, e *domain.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	stored := *e
	r.entries = append(r.entries, &stored)
	return nil
}

// List returns matching entries, newest first.
func (r *HistoryRepository) List(ctx context.Context, filter domain.HistoryFilter) ([]*domain.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.HistoryEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if !filter.Matches(e) {
			continue
		}
		clone := *e
		result = append(result, &clone)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}
