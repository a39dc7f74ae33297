package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/proxbalance/proxbalance/internal/automation"
	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/evacuation"
)

// maxTxRetries bounds optimistic WATCH/MULTI retries.
const maxTxRetries = 10

var (
	_ automation.HistoryRepository = (*HistoryRepository)(nil)
	_ automation.RunRepository     = (*RunRepository)(nil)
	_ evacuation.SessionRepository = (*SessionRepository)(nil)
)

// watch runs fn under WATCH on keys, retrying when another client wins the race.
func (c *Cache) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := c.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis transaction on %v: %w", keys, domain.ErrConflict)
}

// =============================================================================
// History
// =============================================================================

// HistoryRepository keeps migration history in a list, newest at the head.
type HistoryRepository struct {
	cache *Cache
}

// NewHistoryRepository creates a Redis history repository.
func NewHistoryRepository(cache *Cache) *HistoryRepository {
	return &HistoryRepository{cache: cache}
}

// Append stores a new entry.
func (r *HistoryRepository) Append(ctx context.Context, e *domain.HistoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	return r.cache.client.LPush(ctx, r.cache.key("history"), data).Err()
}

// List returns matching entries, newest first.
func (r *HistoryRepository) List(ctx context.Context, filter domain.HistoryFilter) ([]*domain.HistoryEntry, error) {
	raw, err := r.cache.client.LRange(ctx, r.cache.key("history"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	var result []*domain.HistoryEntry
	for _, item := range raw {
		var e domain.HistoryEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to decode history entry: %w", err)
		}
		if !filter.Matches(&e) {
			continue
		}
		result = append(result, &e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// =============================================================================
// Runs
// =============================================================================

// RunRepository keeps the last size run summaries: an id list plus a hash of bodies.
type RunRepository struct {
	cache *Cache
	size  int
}

// NewRunRepository creates a Redis run ring of the given size.
func NewRunRepository(cache *Cache, size int) *RunRepository {
	if size <= 0 {
		size = 20
	}
	return &RunRepository{cache: cache, size: size}
}

// Record inserts or replaces a summary by ID and trims the ring atomically.
func (r *RunRepository) Record(ctx context.Context, run *domain.RunSummary) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	ids := r.cache.key("runs")
	bodies := r.cache.key("runs", "data")

	return r.cache.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, bodies, run.ID).Result()
		if err != nil {
			return err
		}
		var stale []string
		if !exists {
			stale, err = tx.LRange(ctx, ids, int64(r.size-1), -1).Result()
			if err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, bodies, run.ID, data)
			if exists {
				return nil
			}
			pipe.LPush(ctx, ids, run.ID)
			pipe.LTrim(ctx, ids, 0, int64(r.size-1))
			if len(stale) > 0 {
				pipe.HDel(ctx, bodies, stale...)
			}
			return nil
		})
		return err
	}, ids, bodies)
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
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.cache.client.LRange(ctx, r.cache.key("runs"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	bodies, err := r.cache.client.HMGet(ctx, r.cache.key("runs", "data"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}

	result := make([]*domain.RunSummary, 0, len(bodies))
	for _, body := range bodies {
		s, ok := body.(string)
		if !ok {
			continue
		}
		var run domain.RunSummary
		if err := json.Unmarshal([]byte(s), &run); err != nil {
			return nil, fmt.Errorf("failed to decode run summary: %w", err)
		}
		result = append(result, &run)
	}
	return result, nil
}

// =============================================================================
// Sessions
// =============================================================================

// SessionRepository stores sessions as JSON strings indexed by a start-time sorted set.
type SessionRepository struct {
	cache *Cache
}

// NewSessionRepository creates a Redis session repository.
func NewSessionRepository(cache *Cache) *SessionRepository {
	return &SessionRepository{cache: cache}
}

func (r *SessionRepository) sessionKey(id string) string {
	return r.cache.key("session", id)
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

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	created, err := r.cache.client.SetNX(ctx, r.sessionKey(s.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !created {
		return domain.ErrAlreadyExists
	}
	return r.cache.client.ZAdd(ctx, r.cache.key("sessions"), redis.Z{
		Score:  float64(s.StartedAt.UnixNano()),
		Member: s.ID,
	}).Err()
}

// Get retrieves a session by ID.
func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.EvacuationSession, error) {
	return r.get(ctx, r.cache.client, id)
}

func (r *SessionRepository) get(ctx context.Context, c redis.Cmdable, id string) (*domain.EvacuationSession, error) {
	raw, err := c.Get(ctx, r.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	var s domain.EvacuationSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &s, nil
}

// Update applies fn under WATCH so concurrent writers never lose updates.
func (r *SessionRepository) Update(ctx context.Context, id string, fn func(*domain.EvacuationSession) error) (*domain.EvacuationSession, error) {
	key := r.sessionKey(id)
	var updated *domain.EvacuationSession

	err := r.cache.watch(ctx, func(tx *redis.Tx) error {
		s, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		s.UpdatedAt = time.Now()
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			updated = s
		}
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// List returns all sessions, newest first.
func (r *SessionRepository) List(ctx context.Context) ([]*domain.EvacuationSession, error) {
	ids, err := r.cache.client.ZRevRange(ctx, r.cache.key("sessions"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	result := make([]*domain.EvacuationSession, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, nil
}
