package evacuation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/domain"
)

// Plan computes where every guest on node would go without executing anything.
func (s *Service) Plan(ctx context.Context, node string) (*domain.EvacuationPlan, error) {
	snap, err := s.snapshots.GetSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return s.plan(ctx, snap, node, s.drainingNodes())
}

func (s *Service) plan(ctx context.Context, snap *domain.Snapshot, node string, draining map[string]bool) (*domain.EvacuationPlan, error) {
	if snap.Node(node) == nil {
		return nil, fmt.Errorf("node %s: %w", node, domain.ErrNotFound)
	}

	maintenance := snap.MaintenanceSet(s.maintenanceNodes)
	var targets []*domain.Node
	for _, id := range snap.NodeIDs() {
		n := snap.Nodes[id]
		if id == node || !n.IsOnline() || maintenance[id] || draining[id] {
			continue
		}
		targets = append(targets, n)
	}

	storage := make(map[string]map[string]bool, len(targets))
	targetIDs := make([]string, 0, len(targets))
	for _, t := range targets {
		storage[t.ID] = s.availableStorage(ctx, t)
		targetIDs = append(targetIDs, t.ID)
	}

	plan := &domain.EvacuationPlan{
		Node:             node,
		CreatedAt:        s.now(),
		AvailableTargets: targetIDs,
	}

	type pending struct {
		gp         *domain.GuestPlan
		compatible []*domain.Node
	}
	var toPlace []pending

	for _, g := range snap.GuestsOn(node) {
		gp := &domain.GuestPlan{
			GuestID:         g.ID,
			GuestName:       g.Name,
			GuestType:       g.Type,
			Status:          string(g.Status),
			Offline:         !g.IsRunning(),
			RequiresRestart: g.Type == domain.GuestTypeCT || !g.IsRunning(),
		}
		plan.Guests = append(plan.Guests, gp)

		if g.Tags.HasIgnore {
			gp.Skipped = true
			gp.Reason = "has 'ignore' tag"
			continue
		}
		if !g.IsMigratable() {
			gp.Reason = "guest is locked or a template"
			continue
		}

		gp.Storage = s.requiredStorage(ctx, node, g)

		var compatible []*domain.Node
		for _, t := range targets {
			if hasAll(storage[t.ID], gp.Storage) {
				compatible = append(compatible, t)
			}
		}
		if len(compatible) == 0 {
			gp.Reason = noTargetReason(targets, storage, gp.Storage)
			continue
		}
		toPlace = append(toPlace, pending{gp: gp, compatible: compatible})
	}

	// Most constrained guests pick first so flexible ones do not take their only target.
	sort.SliceStable(toPlace, func(i, j int) bool {
		return len(toPlace[i].compatible) < len(toPlace[j].compatible)
	})

	assigned := make(map[string]int)
	for _, p := range toPlace {
		var best *domain.Node
		bestLoad := 0.0
		for _, t := range p.compatible {
			load := t.CombinedLoad() + float64(assigned[t.ID])*s.config.PendingWeight
			if best == nil || load < bestLoad {
				best, bestLoad = t, load
			}
		}
		p.gp.TargetNode = best.ID
		p.gp.Migratable = true
		assigned[best.ID]++
	}

	s.logger.Info("Evacuation plan computed",
		zap.String("node", node),
		zap.Int("guests", len(plan.Guests)),
		zap.Int("targets", len(targetIDs)),
		zap.Int("placed", len(toPlace)),
	)
	return plan, nil
}

func (s *Service) availableStorage(ctx context.Context, n *domain.Node) map[string]bool {
	if s.storage != nil {
		available, err := s.storage.ListAvailableStorage(ctx, n.ID)
		if err == nil {
			return available
		}
		s.logger.Warn("Storage query failed, using snapshot storage", zap.String("node", n.ID), zap.Error(err))
	}
	return n.ActiveStorage()
}

func (s *Service) requiredStorage(ctx context.Context, node string, g *domain.Guest) []string {
	if s.storage != nil {
		required, err := s.storage.GetGuestStorageRequirements(ctx, node, g.ID)
		if err == nil {
			sort.Strings(required)
			return required
		}
		s.logger.Warn("Guest storage query failed, using snapshot storage", zap.String("guest_id", g.ID), zap.Error(err))
	}
	required := append([]string(nil), g.Storage...)
	sort.Strings(required)
	return required
}

func hasAll(available map[string]bool, required []string) bool {
	for _, id := range required {
		if !available[id] {
			return false
		}
	}
	return true
}

func noTargetReason(targets []*domain.Node, storage map[string]map[string]bool, required []string) string {
	if len(targets) == 0 {
		return "no eligible target nodes"
	}
	var missing []string
	for _, id := range required {
		found := false
		for _, t := range targets {
			if storage[t.ID][id] {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Sprintf("storage not available on any target: %s", strings.Join(missing, ", "))
	}
	return fmt.Sprintf("no single target provides all of: %s", strings.Join(required, ", "))
}
