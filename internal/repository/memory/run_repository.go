package memory

import (
	"context"
	"sync"

	"github.com/proxbalance/proxbalance/internal/automation"
	"github.com/proxbalance/proxbalance/internal/domain"
)

// Ensure RunRepository implements automation.RunRepository
var _ automation.RunRepository = (*RunRepository)(nil)

// RunRepository keeps the most recent run summaries in a ring.
type RunRepository struct {
	mu   sync.RWMutex
	size int
	runs []*domain.RunSummary // oldest first
}

// NewRunRepository creates a ring holding up to size summaries.
func NewRunRepository(size int) *RunRepository {
	if size <= 0 {
		size = 20
	}
	return &RunRepository{size: size}
}

// Record inserts or replaces a summary by ID and trims the ring.
func (r *RunRepository) Record(ctx context.Context, run *domain.RunSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := cloneRun(run)
	for i, existing := range r.runs {
		if existing.ID == run.ID {
			r.runs[i] = stored
			return nil
		}
	}

	r.runs = append(r.runs, stored)
	if len(r.runs) > r.size {
		r.runs = r.runs[len(r.runs)-r.size:]
	}
	return nil
}

// Latest returns the most recently started run.
func (r *RunRepository) Latest(ctx context.Context) (*domain.RunSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.runs) == 0 {
		return nil, domain.ErrNotFound
	}
	return cloneRun(r.runs[len(r.runs)-1]), nil
}

// List returns up to limit runs, newest first.
func (r *RunRepository) List(ctx context.Context, limit int) ([]*domain.RunSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.RunSummary
	for i := len(r.runs) - 1; i >= 0; i-- {
		result = append(result, cloneRun(r.runs[i]))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func cloneRun(run *domain.RunSummary) *domain.RunSummary {
	if run == nil {
		return nil
	}
	clone := *run
	clone.Decisions = append([]domain.Decision(nil), run.Decisions...)
	if run.InFlight != nil {
		inFlight := *run.InFlight
		clone.InFlight = &inFlight
	}
	return &clone
}
