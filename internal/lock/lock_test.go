package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/domain"
)

func TestFileLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run", "automigrate.lock")
	locker := NewFileLocker(path, zap.NewNop())

	h, err := locker.TryLock(ctx, "automigrate")
	if err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("lock file not written: %v", err)
	}
	if pid, _ := strconv.Atoi(strings.TrimSpace(string(data))); pid != os.Getpid() {
		t.Errorf("lock file pid = %d, want %d", pid, os.Getpid())
	}

	// A second descriptor must not get the lock.
	other := NewFileLocker(path, zap.NewNop())
	if _, err := other.TryLock(ctx, "automigrate"); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	if err := h.Unlock(ctx); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := h.Unlock(ctx); err != nil {
		t.Errorf("second Unlock should be a no-op, got %v", err)
	}

	h2, err := other.TryLock(ctx, "automigrate")
	if err != nil {
		t.Fatalf("lock should be free after release: %v", err)
	}
	h2.Unlock(ctx)
}

func TestFileLocker_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	locker := NewFileLocker(dir, zap.NewNop())

	a, err := locker.TryLock(ctx, "automigrate")
	if err != nil {
		t.Fatalf("TryLock(automigrate) failed: %v", err)
	}
	defer a.Unlock(ctx)

	b, err := locker.TryLock(ctx, "evacuate-pve1")
	if err != nil {
		t.Fatalf("TryLock(evacuate-pve1) failed: %v", err)
	}
	defer b.Unlock(ctx)

	if _, err := os.Stat(filepath.Join(dir, "evacuate-pve1.lock")); err != nil {
		t.Errorf("expected per-key lock file: %v", err)
	}
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()

	h, err := locker.TryLock(ctx, "k")
	if err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	if _, err := locker.TryLock(ctx, "k"); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	h.Unlock(ctx)
	h.Unlock(ctx)

	if _, err := locker.TryLock(ctx, "k"); err != nil {
		t.Fatalf("expected lock to be free: %v", err)
	}
}
