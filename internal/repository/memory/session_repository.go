package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/evacuation"
)

// Ensure SessionRepository implements evacuation.SessionRepository
var _ evacuation.SessionRepository = (*SessionRepository)(nil)

// SessionRepository is an in-memory evacuation session store.
type SessionRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.EvacuationSession
}

// NewSessionRepository creates a new in-memory session repository.
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		data: make(map[string]*domain.EvacuationSession),
	}
}

// Create stores a new session.
func (r *SessionRepository) Create(ctx context.Context, s *domain.EvacuationSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, ok := r.data[s.ID]; ok {
		return domain.ErrAlreadyExists
	}

	now := time.Now()
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	s.UpdatedAt = now

	r.data[s.ID] = s.Clone()
	return nil
}

// Get retrieves a session by ID.
func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.EvacuationSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

// Update applies fn to the stored session atomically.
func (r *SessionRepository) Update(ctx context.Context, id string, fn func(*domain.EvacuationSession) error) (*domain.EvacuationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	working := s.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now()

	r.data[id] = working
	return working.Clone(), nil
}

// List returns all sessions, newest first.
func (r *SessionRepository) List(ctx context.Context) ([]*domain.EvacuationSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.EvacuationSession, 0, len(r.data))
	for _, s := range r.data {
		result = append(result, s.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	return result, nil
}
