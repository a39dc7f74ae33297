// Package lock provides cross-process mutual exclusion for automation runs.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/proxbalance/proxbalance/internal/domain"
)

// Handle is a held lock. Unlock is safe to call more than once.
type Handle interface {
	Unlock(ctx context.Context) error
}

// Locker acquires named locks without blocking. A lock held elsewhere
// yields domain.ErrLockHeld.
type Locker interface {
	TryLock(ctx context.Context, key string) (Handle, error)
}

// =============================================================================
// File lock
// =============================================================================

// FileLocker uses flock(2) on a file per key. The kernel drops the lock when the
// holding process dies, so a crashed run never blocks the next one.
type FileLocker struct {
	path   string
	logger *zap.Logger
}

var _ Locker = (*FileLocker)(nil)

// NewFileLocker creates a locker for the given lock file path. The key passed to
// TryLock selects a sibling file when it differs from the path's base name.
func NewFileLocker(path string, logger *zap.Logger) *FileLocker {
	return &FileLocker{
		path:   path,
		logger: logger.With(zap.String("component", "lock")),
	}
}

func (l *FileLocker) pathFor(key string) string {
	if filepath.Ext(l.path) == ".lock" {
		if key == "" || strings.TrimSuffix(filepath.Base(l.path), ".lock") == key {
			return l.path
		}
		return filepath.Join(filepath.Dir(l.path), key+".lock")
	}
	return filepath.Join(l.path, key+".lock")
}

// TryLock acquires an exclusive lock or returns domain.ErrLockHeld immediately.
func (l *FileLocker) TryLock(ctx context.Context, key string) (Handle, error) {
	path := l.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			l.logger.Info("Lock held by another process",
				zap.String("path", path),
				zap.Int("owner_pid", readPID(path)),
			)
			return nil, domain.ErrLockHeld
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	// Record the owner for operators; ownership itself is the flock.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	l.logger.Debug("Acquired lock", zap.String("path", path))
	return &fileHandle{file: f, path: path, logger: l.logger}, nil
}

type fileHandle struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	logger *zap.Logger
}

func (h *fileHandle) Unlock(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return nil
	}

	_ = h.file.Truncate(0)
	err := unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
	closeErr := h.file.Close()
	h.file = nil

	h.logger.Debug("Released lock", zap.String("path", h.path))

	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", h.path, err)
	}
	return closeErr
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return pid
}

// =============================================================================
// In-process lock
// =============================================================================

// LocalLocker excludes concurrent holders within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

// TryLock acquires key or returns domain.ErrLockHeld.
func (l *LocalLocker) TryLock(ctx context.Context, key string) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return &localHandle{locker: l, key: key}, nil
}

type localHandle struct {
	once   sync.Once
	locker *LocalLocker
	key    string
}

func (h *localHandle) Unlock(ctx context.Context) error {
	h.once.Do(func() {
		h.locker.mu.Lock()
		delete(h.locker.held, h.key)
		h.locker.mu.Unlock()
	})
	return nil
}
