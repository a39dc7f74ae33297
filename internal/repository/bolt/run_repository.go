package bolt

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/proxbalance/proxbalance/internal/automation"
	"github.com/proxbalance/proxbalance/internal/domain"
)

// Ensure RunRepository implements automation.RunRepository
var _ automation.RunRepository = (*RunRepository)(nil)

// RunRepository keeps the last size run summaries.
type RunRepository struct {
	store *Store
	size  int
}

// NewRunRepository creates a run ring of the given size on store.
func NewRunRepository(store *Store, size int) *RunRepository {
	if size <= 0 {
		size = 20
	}
	return &RunRepository{store: store, size: size}
}

// Record inserts or replaces a summary by ID and trims the ring, in one transaction.
func (r *RunRepository) Record(ctx context.Context, run *domain.RunSummary) error {
	return r.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)

		var existing []byte
		count := 0
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			count++
			var stored struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(v, &stored); err == nil && stored.ID == run.ID {
				existing = append([]byte(nil), k...)
			}
		}
		if existing != nil {
			return put(b, existing, run)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate run key: %w", err)
		}
		if err := put(b, seqKey(seq), run); err != nil {
			return err
		}
		count++

		var stale [][]byte
		c = b.Cursor()
		for k, _ := c.First(); k != nil && count-len(stale) > r.size; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("failed to trim run history: %w", err)
			}
		}
		return nil
	})
}

// Latest returns the most recently started run.
func (r *RunRepository) Latest(ctx context.Context) (*domain.RunSummary, error) {
	runs, err := r.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, domain.ErrNotFound
	}
	return runs[0], nil
}

// List returns up to limit runs, newest first.
func (r *RunRepository) List(ctx context.Context, limit int) ([]*domain.RunSummary, error) {
	var result []*domain.RunSummary

	err := r.store.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var run domain.RunSummary
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("failed to decode run summary: %w", err)
			}
			result = append(result, &run)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
