package domain

// NodeStatus is the reachability of a hypervisor host as reported by the collector.
type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
	NodeStatusUnknown NodeStatus = "unknown"
)

// Trend is the direction a resource metric has been moving.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// ResourceMetrics holds the immediate and historical view of one resource, in percent.
type ResourceMetrics struct {
	Current float64 `json:"current"`
	Avg24h  float64 `json:"avg_24h"`
	Avg7d   float64 `json:"avg_7d"`
	Peak7d  float64 `json:"peak_7d"`
	Trend   Trend   `json:"trend,omitempty"`
}

// StorageVolume is a storage backend visible from a node.
type StorageVolume struct {
	ID           string  `json:"id"`
	Active       bool    `json:"active"`
	Shared       bool    `json:"shared"`
	UsagePercent float64 `json:"usage_percent"`
}

// Node represents a physical hypervisor host at snapshot time.
type Node struct {
	ID            string          `json:"id"`
	Status        NodeStatus      `json:"status"`
	Cores         int             `json:"cores"`
	TotalMemoryGB float64         `json:"total_memory_gb"`
	CPU           ResourceMetrics `json:"cpu"`
	Memory        ResourceMetrics `json:"memory"`
	IOWait        ResourceMetrics `json:"iowait"`
	HasHistorical bool            `json:"has_historical"`
	Storage       []StorageVolume `json:"storage,omitempty"`
	Guests        []string        `json:"guests,omitempty"`

	// Maintenance is set by the collector; configured maintenance nodes are merged in by callers.
	Maintenance bool `json:"maintenance,omitempty"`
}

// IsOnline returns true if the node can accept or give up guests.
func (n *Node) IsOnline() bool {
	return n.Status == NodeStatusOnline
}

// ActiveStorage returns the set of active storage ids on the node.
func (n *Node) ActiveStorage() map[string]bool {
	available := make(map[string]bool, len(n.Storage))
	for _, s := range n.Storage {
		if s.Active {
			available[s.ID] = true
		}
	}
	return available
}

// StoragePressure returns the mean usage of the node's active storage volumes.
func (n *Node) StoragePressure() float64 {
	var sum float64
	count := 0
	for _, s := range n.Storage {
		if !s.Active {
			continue
		}
		sum += s.UsagePercent
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// CombinedLoad is the mean of current CPU and memory usage.
func (n *Node) CombinedLoad() float64 {
	return (n.CPU.Current + n.Memory.Current) / 2
}
