package drs

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/scheduler"
)

// distributionCandidate proposes moving one small guest from the most to the least
// populated node when their running guest counts differ by at least the threshold.
// Counts include moves already proposed in this pass. The candidate balances
// guest counts, so MinScoreImprovement does not apply to it.
func (e *Engine) distributionCandidate(p *pass) *domain.Candidate {
	cfg := e.config.Distribution

	counts := make(map[string]int)
	var nodes []string
	for _, id := range p.snap.NodeIDs() {
		n := p.snap.Node(id)
		if !n.IsOnline() || p.maintenance[id] {
			continue
		}
		nodes = append(nodes, id)
		for _, g := range p.guestsByNode[id] {
			if g.IsRunning() && !p.proposed[g.ID] {
				counts[id]++
			}
		}
		counts[id] += len(p.pending[id])
	}
	if len(nodes) < 2 {
		return nil
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		if counts[nodes[i]] != counts[nodes[j]] {
			return counts[nodes[i]] > counts[nodes[j]]
		}
		return nodes[i] < nodes[j]
	})
	most, least := nodes[0], nodes[len(nodes)-1]
	if counts[most]-counts[least] < cfg.GuestCountThreshold {
		return nil
	}

	source := p.snap.Node(most)
	target := p.snap.Node(least)

	var movable []*domain.Guest
	for _, g := range p.guestsByNode[most] {
		if !g.IsRunning() || p.proposed[g.ID] || !g.IsMigratable() || g.Tags.HasIgnore || g.HAManaged {
			continue
		}
		if cfg.MaxCores > 0 && g.Cores > cfg.MaxCores {
			continue
		}
		if cfg.MaxMemoryGB > 0 && g.MemMaxGB > cfg.MaxMemoryGB {
			continue
		}
		if !p.eligibleTarget(target, g) {
			continue
		}
		movable = append(movable, g)
	}
	if len(movable) == 0 {
		e.logger.Debug("No guest small enough for distribution balancing",
			zap.String("source", most),
			zap.String("target", least),
		)
		return nil
	}

	sort.SliceStable(movable, func(i, j int) bool {
		if movable[i].MemMaxGB != movable[j].MemMaxGB {
			return movable[i].MemMaxGB < movable[j].MemMaxGB
		}
		if movable[i].Cores != movable[j].Cores {
			return movable[i].Cores < movable[j].Cores
		}
		return movable[i].ID < movable[j].ID
	})
	g := movable[0]

	sb := e.scorer.Explain(source, g, nil, p.th)
	tb := e.scorer.Explain(target, g, p.pending[target.ID], p.th)
	improvement := sb.Total - tb.Total

	p.pending[target.ID] = append(p.pending[target.ID], g)
	p.proposed[g.ID] = true

	return &domain.Candidate{
		GuestID:      g.ID,
		GuestName:    g.Name,
		GuestType:    g.Type,
		SourceNode:   most,
		TargetNode:   least,
		CurrentScore: sb.Total,
		TargetScore:  tb.Total,
		Improvement:  improvement,
		Reason:       fmt.Sprintf("Distribution balancing: %s runs %d guests, %s runs %d", most, counts[most], least, counts[least]),
		Kind:         domain.CandidateKindDistribution,
		SourceCPU:    sb.CurrentCPU,
		SourceMem:    sb.CurrentMemory,
		TargetCPU:    tb.PredictedCPU,
		TargetMem:    tb.PredictedMemory,
		Suitability:  scheduler.Suitability(tb.Total),
		Confidence:   scheduler.Confidence(improvement),
	}
}
