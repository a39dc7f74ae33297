package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/evacuation"
)

// Ensure SessionRepository implements evacuation.SessionRepository
var _ evacuation.SessionRepository = (*SessionRepository)(nil)

// SessionRepository stores evacuation sessions keyed by id.
type SessionRepository struct {
	store *Store
}

// NewSessionRepository creates a session repository on store.
func NewSessionRepository(store *Store) *SessionRepository {
	return &SessionRepository{store: store}
}

// Create stores a new session.
func (r *SessionRepository) Create(ctx context.Context, s *domain.EvacuationSession) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now()
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	s.UpdatedAt = now

	return r.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b.Get([]byte(s.ID)) != nil {
			return domain.ErrAlreadyExists
		}
		return put(b, []byte(s.ID), s)
	})
}

// Get retrieves a session by ID.
func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.EvacuationSession, error) {
	var s *domain.EvacuationSession
	err := r.store.db.View(func(tx *bbolt.Tx) error {
		var err error
		s, err = get[domain.EvacuationSession](tx.Bucket(bucketSessions), []byte(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

// Update applies fn inside a write transaction. An error from fn discards the change.
func (r *SessionRepository) Update(ctx context.Context, id string, fn func(*domain.EvacuationSession) error) (*domain.EvacuationSession, error) {
	var updated *domain.EvacuationSession
	err := r.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		s, err := get[domain.EvacuationSession](b, []byte(id))
		if err != nil {
			return err
		}
		if s == nil {
			return domain.ErrNotFound
		}
		if err := fn(s); err != nil {
			return err
		}
		s.UpdatedAt = time.Now()
		updated = s
		return put(b, []byte(id), s)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// List returns all sessions, newest first.
func (r *SessionRepository) List(ctx context.Context) ([]*domain.EvacuationSession, error) {
	var result []*domain.EvacuationSession
	err := r.store.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var s domain.EvacuationSession
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("failed to decode session %s: %w", k, err)
			}
			result = append(result, &s)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	return result, nil
}
