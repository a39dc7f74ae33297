package etcd

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/config"
	"github.com/proxbalance/proxbalance/internal/domain"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "/proxbalance/locks/automigrate", lockKey("automigrate"))
	assert.Equal(t, "/proxbalance/leaders/daemon", electionKey("daemon"))
}

func TestLock_UnlockWithoutMutex(t *testing.T) {
	l := &Lock{}
	assert.NoError(t, l.Unlock(context.Background()))
}

func TestLeader_CallbackOnChangeOnly(t *testing.T) {
	var calls []bool
	l := &Leader{
		name:     "automation",
		logger:   zap.NewNop(),
		callback: func(isLeader bool) { calls = append(calls, isLeader) },
	}

	l.setLeader(true)
	l.setLeader(true)
	assert.True(t, l.IsLeader())
	l.setLeader(false)
	assert.False(t, l.IsLeader())

	assert.Equal(t, []bool{true, false}, calls)
	assert.NoError(t, l.Resign(context.Background()), "resign without election is a no-op")
}

// Runs against a live cluster when PROXBALANCE_TEST_ETCD_ENDPOINTS is set.
func TestClient_TryLock(t *testing.T) {
	endpoints := os.Getenv("PROXBALANCE_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("PROXBALANCE_TEST_ETCD_ENDPOINTS not set")
	}
	cfg := config.EtcdConfig{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
		SessionTTL:  10,
	}
	ctx := context.Background()

	first, err := NewClient(cfg, zap.NewNop())
	require.NoError(t, err)
	defer first.Close()
	second, err := NewClient(cfg, zap.NewNop())
	require.NoError(t, err)
	defer second.Close()

	held, err := first.TryLock(ctx, "test-automigrate")
	require.NoError(t, err)

	_, err = second.TryLock(ctx, "test-automigrate")
	assert.True(t, errors.Is(err, domain.ErrLockHeld))

	require.NoError(t, held.Unlock(ctx))
	require.NoError(t, held.Unlock(ctx))

	again, err := second.TryLock(ctx, "test-automigrate")
	require.NoError(t, err)
	require.NoError(t, again.Unlock(ctx))
}
