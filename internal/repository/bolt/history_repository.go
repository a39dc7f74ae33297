package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/proxbalance/proxbalance/internal/automation"
	"github.com/proxbalance/proxbalance/internal/domain"
)

// Ensure HistoryRepository implements automation.HistoryRepository
var _ automation.HistoryRepository = (*HistoryRepository)(nil)

// HistoryRepository is an append-only history keyed by insertion sequence.
type HistoryRepository struct {
	store *Store
}

// NewHistoryRepository creates a history repository on store.
func NewHistoryRepository(store *Store) *HistoryRepository {
	return &HistoryRepository{store: store}
}

// Append stores a new entry.
func (r *HistoryRepository) Append(ctx context.Context, e *domain.HistoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	return r.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate history key: %w", err)
		}
		return put(b, seqKey(seq), e)
	})
}

// List returns matching entries, newest first.
func (r *HistoryRepository) List(ctx context.Context, filter domain.HistoryFilter) ([]*domain.HistoryEntry, error) {
	var result []*domain.HistoryEntry

	err := r.store.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e domain.HistoryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to decode history entry: %w", err)
			}
			if !filter.Matches(&e) {
				continue
			}
			result = append(result, &e)
			if filter.Limit > 0 && len(result) >= filter.Limit {
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
