// Package snapshot loads cluster snapshots written by the collector.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/automation"
	"github.com/proxbalance/proxbalance/internal/config"
	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/evacuation"
)

var (
	_ automation.SnapshotProvider = (*FileProvider)(nil)
	_ evacuation.SnapshotProvider = (*FileProvider)(nil)
)

// FileProvider reads the collector's JSON cache. The collector replaces the file
// atomically, so a parsed snapshot is reused until the file changes.
type FileProvider struct {
	path   string
	maxAge time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	modTime time.Time
	size    int64
	cached  *domain.Snapshot
}

// NewFileProvider creates a provider for the configured cache file.
func NewFileProvider(cfg config.SnapshotConfig, logger *zap.Logger) *FileProvider {
	return &FileProvider{
		path:   cfg.CachePath,
		maxAge: cfg.MaxAge,
		now:    time.Now,
		logger: logger.With(zap.String("component", "snapshot")),
	}
}

// GetSnapshot returns the current snapshot. Callers must treat it as read-only.
func (p *FileProvider) GetSnapshot(ctx context.Context) (*domain.Snapshot, error) {
	info, err := os.Stat(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: cluster cache %s not found", domain.ErrUnavailable, p.path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat cluster cache: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached == nil || !info.ModTime().Equal(p.modTime) || info.Size() != p.size {
		data, err := os.ReadFile(p.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read cluster cache: %w", err)
		}
		snap, err := Decode(data)
		if err != nil {
			return nil, err
		}
		if snap.CollectedAt.IsZero() {
			snap.CollectedAt = info.ModTime()
		}
		p.cached, p.modTime, p.size = snap, info.ModTime(), info.Size()
		p.logger.Debug("Loaded cluster snapshot",
			zap.Time("collected_at", snap.CollectedAt),
			zap.Int("nodes", len(snap.Nodes)),
			zap.Int("guests", len(snap.Guests)),
		)
	}

	if p.maxAge > 0 {
		if age := p.now().Sub(p.cached.CollectedAt); age > p.maxAge {
			return nil, fmt.Errorf("%w: cluster snapshot is %s old (max %s)", domain.ErrUnavailable, age.Round(time.Second), p.maxAge)
		}
	}
	return p.cached, nil
}

// wireGuest accepts tags either as the collector's raw string or as a normalized object.
type wireGuest struct {
	domain.Guest
	RawTags json.RawMessage `json:"tags"`
}

type wireSnapshot struct {
	CollectedAt   time.Time               `json:"collected_at"`
	Nodes         map[string]*domain.Node `json:"nodes"`
	Guests        map[string]*wireGuest   `json:"guests"`
	ClusterHealth domain.ClusterHealth    `json:"cluster_health"`
}

// Decode parses a snapshot document and normalizes it: ids are filled from map keys,
// tags are parsed once, and guest placement falls back to the node guest lists.
func Decode(data []byte) (*domain.Snapshot, error) {
	var wire wireSnapshot
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: malformed cluster snapshot: %v", domain.ErrUnavailable, err)
	}

	snap := &domain.Snapshot{
		CollectedAt:   wire.CollectedAt,
		Nodes:         make(map[string]*domain.Node, len(wire.Nodes)),
		Guests:        make(map[string]*domain.Guest, len(wire.Guests)),
		ClusterHealth: wire.ClusterHealth,
	}

	placement := make(map[string]string)
	for id, n := range wire.Nodes {
		if n == nil {
			continue
		}
		if n.ID == "" {
			n.ID = id
		}
		for _, g := range n.Guests {
			placement[g] = n.ID
		}
		snap.Nodes[n.ID] = n
	}

	for id, wg := range wire.Guests {
		if wg == nil {
			continue
		}
		g := wg.Guest
		if g.ID == "" {
			g.ID = id
		}
		if g.Node == "" {
			g.Node = placement[g.ID]
		}
		tags, err := decodeTags(wg.RawTags)
		if err != nil {
			return nil, fmt.Errorf("%w: guest %s: %v", domain.ErrUnavailable, g.ID, err)
		}
		g.Tags = tags
		snap.Guests[g.ID] = &g
	}

	return snap, nil
}

func decodeTags(raw json.RawMessage) (domain.Tags, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return domain.Tags{}, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return domain.ParseTags(s), nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return domain.ParseTags(strings.Join(list, ";")), nil
	}

	var tags domain.Tags
	if err := json.Unmarshal(raw, &tags); err != nil {
		return domain.Tags{}, fmt.Errorf("unrecognized tags: %w", err)
	}
	if len(tags.Raw) > 0 {
		return domain.ParseTags(strings.Join(tags.Raw, ";")), nil
	}
	return tags, nil
}
