package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/domain"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCacheFromClient(client, "pb", zap.NewNop()), mr
}

// ============================================================================
// Cache
// ============================================================================

func TestCache_GetSet(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)

	var out map[string]int
	err := cache.Get(ctx, "missing", &out)
	assert.True(t, errors.Is(err, ErrCacheMiss))

	require.NoError(t, cache.Set(ctx, "k", map[string]int{"a": 1}, time.Minute))
	assert.True(t, mr.Exists("pb:k"), "keys are prefixed")
	require.NoError(t, cache.Get(ctx, "k", &out))
	assert.Equal(t, 1, out["a"])

	mr.FastForward(2 * time.Minute)
	assert.True(t, errors.Is(cache.Get(ctx, "k", &out), ErrCacheMiss))
}

func TestCache_Recommendations(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)

	_, err := cache.GetRecommendations(ctx, "recommendations:1")
	assert.True(t, errors.Is(err, ErrCacheMiss))

	candidates := []*domain.Candidate{{GuestID: "100", SourceNode: "pve1", TargetNode: "pve2", Confidence: 80}}
	require.NoError(t, cache.SetRecommendations(ctx, "recommendations:1", candidates, time.Minute))
	require.NoError(t, cache.SetRecommendations(ctx, "recommendations:2", nil, time.Minute))

	got, err := cache.GetRecommendations(ctx, "recommendations:1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pve2", got[0].TargetNode)

	empty, err := cache.GetRecommendations(ctx, "recommendations:2")
	require.NoError(t, err, "an empty result is still a hit")
	assert.Empty(t, empty)

	require.NoError(t, cache.InvalidateRecommendations(ctx))
	_, err = cache.GetRecommendations(ctx, "recommendations:1")
	assert.True(t, errors.Is(err, ErrCacheMiss))
}

func TestCache_PublishSession(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := cache.Subscribe(ctx, ChannelEvacuation)
	// Let the subscription register before publishing.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, cache.PublishSession(ctx, &domain.EvacuationSession{
		ID:     "s1",
		Node:   "pve1",
		Status: domain.SessionStatusRunning,
	}))

	select {
	case ev := <-events:
		assert.Equal(t, "evacuation.running", ev.Type)
		assert.Equal(t, "s1", ev.ResourceID)
		var s domain.EvacuationSession
		require.NoError(t, json.Unmarshal(ev.Data, &s))
		assert.Equal(t, "pve1", s.Node)
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

// ============================================================================
// State
// ============================================================================

func TestHistoryRepository(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)
	repo := NewHistoryRepository(cache)

	for _, guest := range []string{"100", "101", "100"} {
		require.NoError(t, repo.Append(ctx, &domain.HistoryEntry{GuestID: guest, Status: domain.MigrationStatusCompleted}))
	}

	all, err := repo.List(ctx, domain.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "100", all[0].GuestID)
	assert.Equal(t, "101", all[1].GuestID)

	byGuest, err := repo.List(ctx, domain.HistoryFilter{GuestID: "100", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, byGuest, 1)
}

func TestRunRepository_Ring(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)
	repo := NewRunRepository(cache, 2)

	_, err := repo.Latest(ctx)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	for i := 0; i < 4; i++ {
		require.NoError(t, repo.Record(ctx, &domain.RunSummary{ID: fmt.Sprintf("run-%d", i)}))
	}
	require.NoError(t, repo.Record(ctx, &domain.RunSummary{ID: "run-2", Outcome: domain.RunOutcomeSkipped}))

	runs, err := repo.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, "run-2", runs[1].ID)
	assert.Equal(t, domain.RunOutcomeSkipped, runs[1].Outcome)

	keys, err := mr.HKeys("pb:runs:data")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run-2", "run-3"}, keys, "trimmed bodies are deleted")

	latest, err := repo.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-3", latest.ID)
}

func TestSessionRepository(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)
	repo := NewSessionRepository(cache)
	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	first := &domain.EvacuationSession{Node: "pve1", StartedAt: base}
	second := &domain.EvacuationSession{Node: "pve2", StartedAt: base.Add(time.Hour)}
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))
	assert.True(t, errors.Is(repo.Create(ctx, &domain.EvacuationSession{ID: first.ID}), domain.ErrAlreadyExists))

	updated, err := repo.Update(ctx, first.ID, func(s *domain.EvacuationSession) error {
		s.Status = domain.SessionStatusCompleted
		s.Completed = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, updated.Completed)

	got, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, got.Status)

	boom := errors.New("boom")
	_, err = repo.Update(ctx, first.ID, func(*domain.EvacuationSession) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = repo.Get(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	sessions, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "pve2", sessions[0].Node)
}
