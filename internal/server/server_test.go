package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/config"
	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/lock"
	"github.com/proxbalance/proxbalance/internal/repository/redis"
)

// =============================================================================
// Mocks
// =============================================================================

type MockSnapshotProvider struct {
	snap *domain.Snapshot
	err  error
}

func (m *MockSnapshotProvider) GetSnapshot(ctx context.Context) (*domain.Snapshot, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.snap, nil
}

type MockExecutor struct{}

func (MockExecutor) StartMigration(ctx context.Context, guestID, source, target string, guestType domain.GuestType) (string, error) {
	return "UPID:" + source + ":" + guestID, nil
}

func (MockExecutor) ShutdownGuest(ctx context.Context, node, guestID string, guestType domain.GuestType) (string, error) {
	return "UPID:" + node + ":shutdown:" + guestID, nil
}

func (MockExecutor) PollTask(ctx context.Context, node, taskID string) (*domain.TaskStatus, error) {
	return &domain.TaskStatus{Status: domain.TaskStateStopped, ExitStatus: "OK"}, nil
}

func (MockExecutor) TaskLog(ctx context.Context, node, taskID string, limit int) ([]string, error) {
	return nil, nil
}

func (MockExecutor) CancelTask(ctx context.Context, node, taskID string) error {
	return nil
}

func (MockExecutor) ListActiveMigrationTasks(ctx context.Context) ([]domain.ActiveTask, error) {
	return nil, nil
}

type staticLeader bool

func (l staticLeader) IsLeader() bool { return bool(l) }

func newTestServer(t *testing.T, snaps *MockSnapshotProvider, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.State.Backend = "memory"
	if mutate != nil {
		mutate(cfg)
	}

	s, err := New(cfg, zap.NewNop(),
		WithExecutor(MockExecutor{}),
		WithSnapshotProvider(snaps),
		WithLocker(lock.NewLocalLocker()),
	)
	require.NoError(t, err)
	return s
}

func emptySnapshot() *domain.Snapshot {
	return &domain.Snapshot{
		CollectedAt:   time.Now(),
		Nodes:         map[string]*domain.Node{},
		Guests:        map[string]*domain.Guest{},
		ClusterHealth: domain.ClusterHealth{Quorate: true},
	}
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RequiresProxmoxToken(t *testing.T) {
	cfg := config.Default()
	cfg.State.Backend = "memory"

	_, err := New(cfg, zap.NewNop())
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestNew_InvalidScheduleFails(t *testing.T) {
	cfg := config.Default()
	cfg.Automation.Schedule.MigrationWindows = []config.WindowConfig{
		{Name: "bad", StartTime: "25:00", EndTime: "06:00"},
	}

	_, err := New(cfg, zap.NewNop(), WithExecutor(MockExecutor{}), WithSnapshotProvider(&MockSnapshotProvider{}))
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

// =============================================================================
// HTTP
// =============================================================================

func TestServer_Probes(t *testing.T) {
	s := newTestServer(t, &MockSnapshotProvider{snap: emptySnapshot()}, nil)

	for _, path := range []string{"/health", "/ready", "/live"} {
		rec := get(t, s, path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), path)
	}

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_Status(t *testing.T) {
	s := newTestServer(t, &MockSnapshotProvider{snap: emptySnapshot()}, nil)

	rec := get(t, s, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.RunStateDisabled, body.State)
	assert.Nil(t, body.LastRun)
	assert.Nil(t, body.Leader)
	assert.Empty(t, body.Evacuations)
}

func TestServer_RunsAndHistory(t *testing.T) {
	s := newTestServer(t, &MockSnapshotProvider{snap: emptySnapshot()}, nil)

	rec := get(t, s, "/api/v1/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	s.runCycle(context.Background(), nil)

	rec = get(t, s, "/api/v1/runs?limit=5")
	var runs []*domain.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunOutcomeSkipped, runs[0].Outcome)

	rec = get(t, s, "/api/v1/history?guest=100")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	rec = get(t, s, "/api/v1/history?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_EvacuationNotFound(t *testing.T) {
	s := newTestServer(t, &MockSnapshotProvider{snap: emptySnapshot()}, nil)

	rec := get(t, s, "/api/v1/evacuations/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// Daemon
// =============================================================================

func TestRunCycle_SkipsWhenNotLeader(t *testing.T) {
	s := newTestServer(t, &MockSnapshotProvider{snap: emptySnapshot()}, nil)
	ctx := context.Background()

	s.runCycle(ctx, staticLeader(false))
	_, err := s.Orchestrator().LastRun(ctx)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	s.runCycle(ctx, staticLeader(true))
	run, err := s.Orchestrator().LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "automated migrations disabled", run.Reason)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := newTestServer(t, &MockSnapshotProvider{snap: emptySnapshot()}, func(cfg *config.Config) {
		cfg.Metrics.Enabled = false
		cfg.Automation.CheckInterval = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := s.Orchestrator().LastRun(context.Background())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "first cycle runs immediately")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// =============================================================================
// Recommendations
// =============================================================================

func TestRecommend(t *testing.T) {
	snaps := &MockSnapshotProvider{snap: emptySnapshot()}
	s := newTestServer(t, snaps, nil)

	candidates, err := s.Recommend(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	_, err = s.Events(context.Background())
	assert.True(t, errors.Is(err, domain.ErrUnavailable), "events need redis")

	snaps.err = domain.ErrUnavailable
	_, err = s.Recommend(context.Background(), false)
	assert.True(t, errors.Is(err, domain.ErrUnavailable))
}

// =============================================================================
// Redis backend
// =============================================================================

func TestServer_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	cache := redis.NewCacheFromClient(client, "pb", zap.NewNop())

	cfg := config.Default()
	cfg.State.Backend = "redis"
	s, err := New(cfg, zap.NewNop(),
		WithRedis(cache),
		WithExecutor(MockExecutor{}),
		WithSnapshotProvider(&MockSnapshotProvider{snap: emptySnapshot()}),
		WithLocker(lock.NewLocalLocker()),
	)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	s.runCycle(ctx, nil)
	assert.True(t, mr.Exists("pb:runs"), "run summaries are kept in redis")

	_, err = s.Recommend(ctx, false)
	require.NoError(t, err)
	keys := mr.Keys()
	found := false
	for _, k := range keys {
		if strings.HasPrefix(k, "pb:recommendations:") {
			found = true
		}
	}
	assert.True(t, found, "recommendations are cached, got keys %v", keys)

	_, err = s.Recommend(ctx, true)
	require.NoError(t, err)

	rec := get(t, s, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"healthy"`)

	eventCtx, cancel := context.WithCancel(ctx)
	events, err := s.Events(eventCtx)
	require.NoError(t, err)
	cancel()
	for range events {
	}
}
