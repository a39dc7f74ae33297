// Package drs implements the Distributed Resource Scheduler: it turns a cluster
// snapshot into an ordered list of migration candidates.
package drs

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/config"
	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/scheduler"
)

// StorageQuery reports storage availability on nodes.
type StorageQuery interface {
	ListAvailableStorage(ctx context.Context, node string) (map[string]bool, error)
	GetGuestStorageRequirements(ctx context.Context, node, guestID string) ([]string, error)
}

// Generator produces migration candidates for a snapshot.
type Generator interface {
	Generate(ctx context.Context, snap *domain.Snapshot, th scheduler.Thresholds, maintenanceNodes []string) []*domain.Candidate
}

// Engine is the recommendation generator.
type Engine struct {
	config  config.RecommendationsConfig
	scorer  *scheduler.Scorer
	storage StorageQuery
	logger  *zap.Logger
}

var _ Generator = (*Engine)(nil)

// NewEngine creates a new recommendation engine. storage may be nil, in which case
// storage availability is taken from the snapshot.
func NewEngine(cfg config.RecommendationsConfig, scorer *scheduler.Scorer, storage StorageQuery, logger *zap.Logger) *Engine {
	return &Engine{
		config:  cfg,
		scorer:  scorer,
		storage: storage,
		logger:  logger.With(zap.String("component", "drs")),
	}
}

// pass holds the state of one generation pass.
type pass struct {
	snap         *domain.Snapshot
	th           scheduler.Thresholds
	maintenance  map[string]bool
	storage      map[string]map[string]bool
	guestsByNode map[string][]*domain.Guest
	pending      map[string][]*domain.Guest
	proposed     map[string]bool
}

type evaluated struct {
	guest        *domain.Guest
	source       *domain.Node
	maintenance  bool
	currentScore float64
	breakdown    *scheduler.Breakdown
}

// Generate returns migration candidates ordered maintenance first, then by
// descending improvement. It is deterministic for a given snapshot.
func (e *Engine) Generate(ctx context.Context, snap *domain.Snapshot, th scheduler.Thresholds, maintenanceNodes []string) []*domain.Candidate {
	if snap == nil || len(snap.Nodes) < 2 {
		return nil
	}

	p := &pass{
		snap:         snap,
		th:           th,
		maintenance:  snap.MaintenanceSet(maintenanceNodes),
		storage:      e.buildStorageCache(ctx, snap),
		guestsByNode: make(map[string][]*domain.Guest),
		pending:      make(map[string][]*domain.Guest),
		proposed:     make(map[string]bool),
	}
	for _, g := range snap.SortedGuests() {
		p.guestsByNode[g.Node] = append(p.guestsByNode[g.Node], g)
	}

	// Evaluate every eligible guest on its current node
	var queue []evaluated
	for _, g := range snap.SortedGuests() {
		source := snap.Node(g.Node)
		if source == nil || !source.IsOnline() {
			continue
		}
		inMaintenance := p.maintenance[source.ID]
		if !g.IsRunning() && !inMaintenance {
			continue
		}
		if (g.Tags.HasIgnore || g.HAManaged) && !inMaintenance {
			continue
		}
		if !g.IsMigratable() {
			continue
		}

		b := e.scorer.Explain(source, g, nil, th)
		current := b.Total
		if inMaintenance {
			current += e.config.MaintenanceBonus
		}
		queue = append(queue, evaluated{guest: g, source: source, maintenance: inMaintenance, currentScore: current, breakdown: b})
	}

	// Most urgent guests claim targets first
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].maintenance != queue[j].maintenance {
			return queue[i].maintenance
		}
		if queue[i].currentScore != queue[j].currentScore {
			return queue[i].currentScore > queue[j].currentScore
		}
		return queue[i].guest.ID < queue[j].guest.ID
	})

	var candidates []*domain.Candidate
	for _, ev := range queue {
		target, tb := e.bestTarget(p, ev.guest)
		if target == nil {
			e.logger.Debug("No compatible target", zap.String("guest_id", ev.guest.ID), zap.String("source", ev.source.ID))
			continue
		}

		improvement := ev.currentScore - tb.Total
		if improvement < e.config.MinScoreImprovement {
			continue
		}

		c := e.newCandidate(ev, target, tb, improvement, p.th)
		candidates = append(candidates, c)
		p.pending[target.ID] = append(p.pending[target.ID], ev.guest)
		p.proposed[ev.guest.ID] = true
	}

	if e.config.Distribution.Enabled {
		if c := e.distributionCandidate(p); c != nil {
			candidates = append(candidates, c)
		}
	}

	sortCandidates(candidates)

	e.logger.Debug("Recommendations generated",
		zap.Int("evaluated", len(queue)),
		zap.Int("candidates", len(candidates)),
	)

	return candidates
}

// bestTarget returns the lowest scoring compatible node for guest, or nil.
func (e *Engine) bestTarget(p *pass, g *domain.Guest) (*domain.Node, *scheduler.Breakdown) {
	var (
		best      *domain.Node
		bestScore *scheduler.Breakdown
	)
	for _, id := range p.snap.NodeIDs() {
		target := p.snap.Node(id)
		if !p.eligibleTarget(target, g) {
			continue
		}

		b := e.scorer.Explain(target, g, p.pending[target.ID], p.th)
		if best == nil || b.Total < bestScore.Total {
			best, bestScore = target, b
		}
	}
	return best, bestScore
}

// eligibleTarget applies the hard constraints for placing g on target.
func (p *pass) eligibleTarget(target *domain.Node, g *domain.Guest) bool {
	if target == nil || !target.IsOnline() || target.ID == g.Node || p.maintenance[target.ID] {
		return false
	}
	if p.affinityConflict(target.ID, g) {
		return false
	}
	return hasStorage(p.storage[target.ID], g.Storage)
}

// affinityConflict reports whether a guest sharing an exclude group is on, or
// already assigned to, the node.
func (p *pass) affinityConflict(nodeID string, g *domain.Guest) bool {
	if len(g.Tags.ExcludeGroups) == 0 {
		return false
	}
	for _, other := range p.guestsByNode[nodeID] {
		if other.ID != g.ID && g.Tags.SharesExcludeGroup(other.Tags) {
			return true
		}
	}
	for _, other := range p.pending[nodeID] {
		if other.ID != g.ID && g.Tags.SharesExcludeGroup(other.Tags) {
			return true
		}
	}
	return false
}

func hasStorage(available map[string]bool, required []string) bool {
	for _, s := range required {
		if !available[s] {
			return false
		}
	}
	return true
}

// buildStorageCache resolves storage availability once per pass.
func (e *Engine) buildStorageCache(ctx context.Context, snap *domain.Snapshot) map[string]map[string]bool {
	cache := make(map[string]map[string]bool, len(snap.Nodes))
	for _, id := range snap.NodeIDs() {
		node := snap.Node(id)
		if e.storage != nil && node.IsOnline() {
			available, err := e.storage.ListAvailableStorage(ctx, id)
			if err == nil {
				cache[id] = available
				continue
			}
			e.logger.Warn("Failed to query storage, using snapshot", zap.String("node", id), zap.Error(err))
		}
		cache[id] = node.ActiveStorage()
	}
	return cache
}

func (e *Engine) newCandidate(ev evaluated, target *domain.Node, tb *scheduler.Breakdown, improvement float64, th scheduler.Thresholds) *domain.Candidate {
	c := &domain.Candidate{
		GuestID:      ev.guest.ID,
		GuestName:    ev.guest.Name,
		GuestType:    ev.guest.Type,
		SourceNode:   ev.source.ID,
		TargetNode:   target.ID,
		CurrentScore: ev.currentScore,
		TargetScore:  tb.Total,
		Improvement:  improvement,
		SourceCPU:    ev.breakdown.CurrentCPU,
		SourceMem:    ev.breakdown.CurrentMemory,
		TargetCPU:    tb.PredictedCPU,
		TargetMem:    tb.PredictedMemory,
		Suitability:  scheduler.Suitability(tb.Total),
		Confidence:   scheduler.Confidence(improvement),
	}

	if ev.maintenance {
		c.Kind = domain.CandidateKindMaintenance
		c.Reason = fmt.Sprintf("Evacuate maintenance node %s", ev.source.ID)
		return c
	}

	c.Kind = domain.CandidateKindBalance
	c.Resource = dominantResource(ev.breakdown, th)
	switch c.Resource {
	case domain.ResourceMemory:
		c.Reason = fmt.Sprintf("Balance MEM load (%s %.1f%% -> %s %.1f%%)", c.SourceNode, c.SourceMem, c.TargetNode, c.TargetMem)
	case domain.ResourceIOWait:
		c.Reason = fmt.Sprintf("Balance IOWAIT load (%s %.1f%% iowait)", c.SourceNode, ev.breakdown.CurrentIOWait)
	default:
		c.Reason = fmt.Sprintf("Balance CPU load (%s %.1f%% -> %s %.1f%%)", c.SourceNode, c.SourceCPU, c.TargetNode, c.TargetCPU)
	}
	return c
}

// dominantResource picks the resource that exceeds its threshold the most.
func dominantResource(b *scheduler.Breakdown, th scheduler.Thresholds) domain.Resource {
	type over struct {
		res   domain.Resource
		value float64
	}
	candidates := []over{
		{domain.ResourceCPU, b.CurrentCPU - th.CPU},
		{domain.ResourceMemory, b.CurrentMemory - th.Memory},
	}
	if th.IOWait > 0 {
		candidates = append(candidates, over{domain.ResourceIOWait, b.CurrentIOWait - th.IOWait})
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.value > best.value {
			best = c
		}
	}
	return best.res
}

// sortCandidates orders maintenance moves first, then by improvement, then by guest id.
func sortCandidates(candidates []*domain.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.IsMaintenance() != b.IsMaintenance() {
			return a.IsMaintenance()
		}
		if a.Improvement != b.Improvement {
			return a.Improvement > b.Improvement
		}
		return a.GuestID < b.GuestID
	})
}
