package scheduler

import (
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/domain"
)

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return New(DefaultConfig(), logger)
}

func flatNode(id string, load float64) *domain.Node {
	m := domain.ResourceMetrics{Current: load, Avg24h: load, Avg7d: load, Peak7d: load, Trend: domain.TrendStable}
	return &domain.Node{
		ID:            id,
		Status:        domain.NodeStatusOnline,
		Cores:         16,
		TotalMemoryGB: 64,
		CPU:           m,
		Memory:        m,
		IOWait:        domain.ResourceMetrics{},
		HasHistorical: true,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// =============================================================================
// Tests
// =============================================================================

func TestScorer_WeightedCPUTier(t *testing.T) {
	scorer := newTestScorer(t)

	nodeA := flatNode("node-a", 30)
	nodeA.CPU = domain.ResourceMetrics{Current: 85, Avg24h: 70, Avg7d: 60}
	nodeB := flatNode("node-b", 30)

	guest := &domain.Guest{ID: "101", Node: "node-c", Cores: 2, CPUPercent: 10, MemMaxGB: 2}
	th := DefaultThresholds()

	explainA := scorer.Explain(nodeA, guest, nil, th)
	if !almostEqual(explainA.CurrentCPU, 75.5) {
		t.Fatalf("weighted CPU = %v, want 75.5", explainA.CurrentCPU)
	}
	if !explainA.HasPenalty("very high current CPU") {
		t.Errorf("expected very high current CPU penalty, got %+v", explainA.Penalties)
	}
	if explainA.HasPenalty("extreme current CPU") {
		t.Errorf("extreme tier must not apply below threshold+20")
	}

	scoreA := scorer.Score(nodeA, guest, nil, th)
	scoreB := scorer.Score(nodeB, guest, nil, th)
	if scoreA <= scoreB {
		t.Errorf("expected overloaded node to score worse: A=%v B=%v", scoreA, scoreB)
	}
}

func TestScorer_NoHistoricalUsesCurrent(t *testing.T) {
	scorer := newTestScorer(t)

	node := flatNode("node-a", 0)
	node.HasHistorical = false
	node.CPU = domain.ResourceMetrics{Current: 40, Avg24h: 90, Avg7d: 90}

	b := scorer.Explain(node, nil, nil, DefaultThresholds())
	if !almostEqual(b.CurrentCPU, 40) {
		t.Errorf("CurrentCPU = %v, want 40", b.CurrentCPU)
	}
}

func TestScorer_PredictedLoad(t *testing.T) {
	scorer := newTestScorer(t)
	th := DefaultThresholds()

	node := flatNode("node-a", 20)
	guest := &domain.Guest{ID: "101", Node: "node-b", Cores: 4, CPUPercent: 80, MemMaxGB: 16}

	b := scorer.Explain(node, guest, nil, th)
	// 80% of 4 cores on a 16 core node is 20%; 16 GB of 64 GB is 25%.
	if !almostEqual(b.PredictedCPU, 40) {
		t.Errorf("PredictedCPU = %v, want 40", b.PredictedCPU)
	}
	if !almostEqual(b.PredictedMemory, 45) {
		t.Errorf("PredictedMemory = %v, want 45", b.PredictedMemory)
	}

	// A guest already on the node is part of its current load.
	local := *guest
	local.Node = "node-a"
	b = scorer.Explain(node, &local, nil, th)
	if !almostEqual(b.PredictedCPU, b.CurrentCPU) {
		t.Errorf("local guest should not be added twice: predicted=%v current=%v", b.PredictedCPU, b.CurrentCPU)
	}
}

func TestScorer_PendingRaisesScore(t *testing.T) {
	scorer := newTestScorer(t)
	th := DefaultThresholds()

	node := flatNode("node-a", 20)
	guest := &domain.Guest{ID: "101", Node: "node-b", Cores: 2, CPUPercent: 50, MemMaxGB: 4}
	pending := []*domain.Guest{
		{ID: "102", Node: "node-b", Cores: 8, CPUPercent: 90, MemMaxGB: 24},
		{ID: "103", Node: "node-c", Cores: 4, CPUPercent: 90, MemMaxGB: 8},
	}

	without := scorer.Score(node, guest, nil, th)
	with := scorer.Score(node, guest, pending, th)
	if with <= without {
		t.Errorf("pending assignments should raise the score: without=%v with=%v", without, with)
	}

	// The guest itself in the pending list is not counted twice.
	self := scorer.Score(node, guest, []*domain.Guest{guest}, th)
	if !almostEqual(self, without) {
		t.Errorf("guest in its own pending list changed the score: %v vs %v", self, without)
	}
}

func TestScorer_Penalties(t *testing.T) {
	scorer := newTestScorer(t)
	th := DefaultThresholds()

	tests := []struct {
		name    string
		mutate  func(n *domain.Node)
		penalty string
	}{
		{
			name:    "sustained CPU",
			mutate:  func(n *domain.Node) { n.CPU.Avg7d = 85 },
			penalty: "high sustained CPU",
		},
		{
			name:    "memory peak",
			mutate:  func(n *domain.Node) { n.Memory.Peak7d = 96 },
			penalty: "severe memory peak",
		},
		{
			name:    "rising trend",
			mutate:  func(n *domain.Node) { n.IOWait.Trend = domain.TrendRising },
			penalty: "rising I/O wait trend",
		},
		{
			name: "I/O wait",
			mutate: func(n *domain.Node) {
				n.IOWait = domain.ResourceMetrics{Current: 45, Avg24h: 45, Avg7d: 45}
			},
			penalty: "very high I/O wait",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := flatNode("node-a", 10)
			base := scorer.Score(node, nil, nil, th)
			tt.mutate(node)

			b := scorer.Explain(node, nil, nil, th)
			if !b.HasPenalty(tt.penalty) {
				t.Fatalf("expected penalty %q, got %+v", tt.penalty, b.Penalties)
			}
			if b.Total <= base {
				t.Errorf("score did not increase: base=%v now=%v", base, b.Total)
			}
		})
	}
}

func TestScorer_StoragePressure(t *testing.T) {
	scorer := newTestScorer(t)

	node := flatNode("node-a", 10)
	node.Storage = []domain.StorageVolume{
		{ID: "local", Active: true, UsagePercent: 80},
		{ID: "nfs", Active: true, UsagePercent: 40},
		{ID: "offline", Active: false, UsagePercent: 100},
	}

	b := scorer.Explain(node, nil, nil, DefaultThresholds())
	if !almostEqual(b.StoragePressure, 60) {
		t.Errorf("StoragePressure = %v, want 60", b.StoragePressure)
	}
}

func TestScorer_MissingMetricsNeverFail(t *testing.T) {
	scorer := newTestScorer(t)

	node := &domain.Node{ID: "bare"}
	guest := &domain.Guest{ID: "1", Cores: 4, CPUPercent: 100, MemMaxGB: 8}

	score := scorer.Score(node, guest, nil, DefaultThresholds())
	if math.IsNaN(score) || math.IsInf(score, 0) {
		t.Fatalf("score must be finite, got %v", score)
	}
	if scorer.Score(nil, guest, nil, DefaultThresholds()) != 0 {
		t.Error("nil node should score zero")
	}
}

func TestSuitabilityAndConfidence(t *testing.T) {
	if got := Suitability(30); got != 70 {
		t.Errorf("Suitability(30) = %v, want 70", got)
	}
	if got := Suitability(250); got != 0 {
		t.Errorf("Suitability(250) = %v, want 0", got)
	}
	if got := Confidence(20); got != 40 {
		t.Errorf("Confidence(20) = %v, want 40", got)
	}
	if got := Confidence(80); got != 100 {
		t.Errorf("Confidence(80) = %v, want 100", got)
	}
}
