package domain

import (
	"sort"
	"time"
)

// ClusterHealth summarizes cluster-level health at snapshot time.
type ClusterHealth struct {
	Quorate bool `json:"quorate"`
}

// Snapshot is a point-in-time view of the cluster. The placement core treats it as read-only.
type Snapshot struct {
	CollectedAt   time.Time         `json:"collected_at"`
	Nodes         map[string]*Node  `json:"nodes"`
	Guests        map[string]*Guest `json:"guests"`
	ClusterHealth ClusterHealth     `json:"cluster_health"`
}

// Node returns the node with the given id, or nil.
func (s *Snapshot) Node(id string) *Node {
	if s == nil || s.Nodes == nil {
		return nil
	}
	return s.Nodes[id]
}

// Guest returns the guest with the given id, or nil.
func (s *Snapshot) Guest(id string) *Guest {
	if s == nil || s.Guests == nil {
		return nil
	}
	return s.Guests[id]
}

// NodeIDs returns all node ids in sorted order.
func (s *Snapshot) NodeIDs() []string {
	ids := make([]string, 0, len(s.Nodes))
	for id := range s.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GuestsOn returns the guests placed on a node, sorted by id.
// Placement is taken from Guest.Node, which is authoritative over Node.Guests.
func (s *Snapshot) GuestsOn(nodeID string) []*Guest {
	var guests []*Guest
	for _, g := range s.Guests {
		if g.Node == nodeID {
			guests = append(guests, g)
		}
	}
	sort.Slice(guests, func(i, j int) bool {
		return guests[i].ID < guests[j].ID
	})
	return guests
}

// SortedGuests returns every guest sorted by id.
func (s *Snapshot) SortedGuests() []*Guest {
	guests := make([]*Guest, 0, len(s.Guests))
	for _, g := range s.Guests {
		guests = append(guests, g)
	}
	sort.Slice(guests, func(i, j int) bool {
		return guests[i].ID < guests[j].ID
	})
	return guests
}

// MaintenanceSet merges configured maintenance nodes with collector-reported ones.
func (s *Snapshot) MaintenanceSet(configured []string) map[string]bool {
	set := make(map[string]bool, len(configured))
	for _, id := range configured {
		set[id] = true
	}
	for id, n := range s.Nodes {
		if n.Maintenance {
			set[id] = true
		}
	}
	return set
}
