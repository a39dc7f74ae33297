package automation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/domain"
)

// Filter names, also used as metric labels.
const (
	filterInProgress   = "in_progress"
	filterCooldown     = "cooldown"
	filterRollback     = "rollback"
	filterConfidence   = "confidence"
	filterTags         = "tags"
	filterBindMounts   = "bind_mounts"
	filterAffinity     = "affinity"
	filterTargetSafety = "target_safety"
	filterImprovement  = "improvement"
	filterMissingGuest = "missing_guest"
)

// rejection explains why a candidate did not survive filtering.
type rejection struct {
	filter string
	reason string
}

// iteration is the state of one selection round inside a run.
type iteration struct {
	snap   *domain.Snapshot
	active map[string]bool // guest ids with a running migration task
	now    time.Time
}

// evaluate runs the candidate through every filter in order and returns the
// first rejection, or nil when the candidate may execute.
func (o *Orchestrator) evaluate(ctx context.Context, it *iteration, c *domain.Candidate, movedTo map[string][]*domain.Guest) *rejection {
	rules := o.config.Rules
	maintenance := c.IsMaintenance()
	relaxed := maintenance || c.IsDistribution()

	if it.active[c.GuestID] {
		return &rejection{filterInProgress, "migration already in progress"}
	}

	if !maintenance && rules.CooldownMinutes > 0 {
		since := it.now.Add(-time.Duration(rules.CooldownMinutes) * time.Minute)
		recent, err := o.history.List(ctx, domain.HistoryFilter{GuestID: c.GuestID, Since: since, Limit: 1})
		if err != nil {
			o.logger.Warn("Failed to read history for cooldown", zap.String("guest_id", c.GuestID), zap.Error(err))
		} else if len(recent) > 0 {
			return &rejection{filterCooldown, fmt.Sprintf("in cooldown period (%dmin after recent migration)", rules.CooldownMinutes)}
		}
	}

	if !relaxed && rules.RollbackWindowHours > 0 {
		since := it.now.Add(-time.Duration(rules.RollbackWindowHours) * time.Hour)
		entries, err := o.history.List(ctx, domain.HistoryFilter{GuestID: c.GuestID, Since: since})
		if err != nil {
			o.logger.Warn("Failed to read history for rollback check", zap.String("guest_id", c.GuestID), zap.Error(err))
		}
		for _, e := range entries {
			if e.Moved() && e.SourceNode == c.TargetNode {
				return &rejection{filterRollback, fmt.Sprintf("would roll back migration from %s within %dh", c.TargetNode, rules.RollbackWindowHours)}
			}
		}
	}

	if !relaxed && c.Confidence < rules.MinConfidenceScore {
		return &rejection{filterConfidence, fmt.Sprintf("confidence score too low (%.0f%% < %.0f%%)", c.Confidence, rules.MinConfidenceScore)}
	}

	guest := it.snap.Guest(c.GuestID)
	if guest == nil {
		return &rejection{filterMissingGuest, "guest not found in snapshot"}
	}

	if !maintenance {
		if r := tagRejection(guest, rules.RespectIgnoreTags, rules.RequireAutoMigrateOKTag); r != nil {
			return r
		}
	}

	if !rules.AllowUnsharedBindMounts && guest.HasUnsharedBindMount() {
		return &rejection{filterBindMounts, "has unshared bind mounts"}
	}

	if !maintenance && rules.RespectExcludeAffinity {
		if group, ok := affinityConflict(it.snap, guest, c.TargetNode, movedTo[c.TargetNode]); ok {
			return &rejection{filterAffinity, fmt.Sprintf("would cluster %s guests on %s", group, c.TargetNode)}
		}
	}

	if o.config.SafetyChecks.CheckClusterHealth {
		if r := o.targetSafety(it.snap, c.TargetNode); r != nil {
			return r
		}
	}

	if c.Kind == domain.CandidateKindBalance {
		switch c.Resource {
		case domain.ResourceCPU:
			if c.TargetCPU >= c.SourceCPU {
				return &rejection{filterImprovement, fmt.Sprintf("no CPU improvement (target %.1f%% >= source %.1f%%)", c.TargetCPU, c.SourceCPU)}
			}
		case domain.ResourceMemory:
			if c.TargetMem >= c.SourceMem {
				return &rejection{filterImprovement, fmt.Sprintf("no memory improvement (target %.1f%% >= source %.1f%%)", c.TargetMem, c.SourceMem)}
			}
		}
	}

	return nil
}

func tagRejection(g *domain.Guest, respectIgnore, requireOK bool) *rejection {
	switch {
	case respectIgnore && g.Tags.HasIgnore:
		return &rejection{filterTags, "has 'ignore' tag"}
	case g.Tags.NoAutoMigrate:
		return &rejection{filterTags, "has 'no-auto-migrate' tag"}
	case requireOK && !g.Tags.AutoMigrateOK:
		return &rejection{filterTags, "missing 'auto-migrate-ok' tag (whitelist mode)"}
	}
	return nil
}

// affinityConflict reports the first exclude group the guest shares with a
// guest already on target, including guests moved there earlier in the run.
func affinityConflict(snap *domain.Snapshot, g *domain.Guest, target string, moved []*domain.Guest) (string, bool) {
	if len(g.Tags.ExcludeGroups) == 0 {
		return "", false
	}
	others := append(snap.GuestsOn(target), moved...)
	for _, other := range others {
		if other.ID == g.ID {
			continue
		}
		for _, a := range g.Tags.ExcludeGroups {
			for _, b := range other.Tags.ExcludeGroups {
				if a == b {
					return a, true
				}
			}
		}
	}
	return "", false
}

func (o *Orchestrator) targetSafety(snap *domain.Snapshot, target string) *rejection {
	safety := o.config.SafetyChecks
	n := snap.Node(target)
	if n == nil || !n.IsOnline() {
		return &rejection{filterTargetSafety, fmt.Sprintf("target node %s unavailable", target)}
	}
	if safety.MaxNodeCPUPercent > 0 && n.CPU.Current > safety.MaxNodeCPUPercent {
		return &rejection{filterTargetSafety, fmt.Sprintf("target node %s CPU too high: %.1f%%", target, n.CPU.Current)}
	}
	if safety.MaxNodeMemoryPercent > 0 && n.Memory.Current > safety.MaxNodeMemoryPercent {
		return &rejection{filterTargetSafety, fmt.Sprintf("target node %s memory too high: %.1f%%", target, n.Memory.Current)}
	}
	return nil
}

// skipTracker remembers every candidate a run has seen, in first-seen order,
// so candidates the loop never reached can be reported as skipped.
type skipTracker struct {
	order   []string
	latest  map[string]*domain.Candidate
	inLast  map[string]bool
	handled map[string]bool
}

// observe records one iteration's candidate list.
func (t *skipTracker) observe(candidates []*domain.Candidate) {
	if t.latest == nil {
		t.latest = make(map[string]*domain.Candidate)
		t.handled = make(map[string]bool)
	}
	t.inLast = make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if _, ok := t.latest[c.GuestID]; !ok {
			t.order = append(t.order, c.GuestID)
		}
		t.latest[c.GuestID] = c
		t.inLast[c.GuestID] = true
	}
}

// decided marks a guest as already reported.
func (t *skipTracker) decided(guestID string) {
	if t.handled != nil {
		t.handled[guestID] = true
	}
}

// undecided returns candidates that were neither filtered nor executed.
func (t *skipTracker) undecided(executed map[string]bool) []*domain.Candidate {
	var out []*domain.Candidate
	for _, id := range t.order {
		if t.handled[id] || executed[id] {
			continue
		}
		out = append(out, t.latest[id])
	}
	return out
}

// reason explains a skip. Candidates that dropped out of the latest
// recommendations get their own reason.
func (t *skipTracker) reason(c *domain.Candidate, stop string) string {
	if !t.inLast[c.GuestID] {
		return "no longer recommended after earlier migrations"
	}
	return stop
}
