package drs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/scheduler"
)

// Cache stores generated recommendations keyed by snapshot identity.
type Cache interface {
	GetRecommendations(ctx context.Context, key string) ([]*domain.Candidate, error)
	SetRecommendations(ctx context.Context, key string, candidates []*domain.Candidate, ttl time.Duration) error
}

// CachedGenerator memoizes a Generator. Generation is deterministic per snapshot,
// so a snapshot timestamp plus the inputs identify the result.
type CachedGenerator struct {
	next   Generator
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

var _ Generator = (*CachedGenerator)(nil)

// NewCachedGenerator wraps next with cache.
func NewCachedGenerator(next Generator, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedGenerator {
	return &CachedGenerator{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "drs-cache")),
	}
}

// Generate returns cached candidates when available, generating and storing them otherwise.
func (c *CachedGenerator) Generate(ctx context.Context, snap *domain.Snapshot, th scheduler.Thresholds, maintenanceNodes []string) []*domain.Candidate {
	if snap == nil {
		return nil
	}
	key := CacheKey(snap, th, maintenanceNodes)

	cached, err := c.cache.GetRecommendations(ctx, key)
	if err == nil {
		c.logger.Debug("Recommendations served from cache", zap.String("key", key), zap.Int("count", len(cached)))
		return cached
	}

	candidates := c.next.Generate(ctx, snap, th, maintenanceNodes)
	if err := c.cache.SetRecommendations(ctx, key, candidates, c.ttl); err != nil {
		c.logger.Warn("Failed to cache recommendations", zap.String("key", key), zap.Error(err))
	}
	return candidates
}

// CacheKey identifies a generation input.
func CacheKey(snap *domain.Snapshot, th scheduler.Thresholds, maintenanceNodes []string) string {
	maint := append([]string(nil), maintenanceNodes...)
	sort.Strings(maint)
	return fmt.Sprintf("recommendations:%d:%g:%g:%g:%s",
		snap.CollectedAt.UnixNano(), th.CPU, th.Memory, th.IOWait, strings.Join(maint, ","))
}
