// Package scheduler implements guest placement scoring.
package scheduler

import (
	"math"

	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/domain"
)

// Penalty is one named contribution to a node's score.
type Penalty struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Breakdown explains how a score was computed.
type Breakdown struct {
	CurrentCPU    float64 `json:"current_cpu"`
	CurrentMemory float64 `json:"current_memory"`
	CurrentIOWait float64 `json:"current_iowait"`

	PredictedCPU    float64 `json:"predicted_cpu"`
	PredictedMemory float64 `json:"predicted_memory"`

	CurrentHealth   float64 `json:"current_health"`
	PredictedHealth float64 `json:"predicted_health"`
	HeadroomDeficit float64 `json:"headroom_deficit"`
	StoragePressure float64 `json:"storage_pressure"`

	Penalties    []Penalty `json:"penalties,omitempty"`
	PenaltyTotal float64   `json:"penalty_total"`
	Total        float64   `json:"total"`
}

// HasPenalty reports whether a penalty with the given name was applied.
func (b *Breakdown) HasPenalty(name string) bool {
	for _, p := range b.Penalties {
		if p.Name == name {
			return true
		}
	}
	return false
}

func (b *Breakdown) add(name string, value float64) {
	b.Penalties = append(b.Penalties, Penalty{Name: name, Value: value})
	b.PenaltyTotal += value
}

// Scorer rates how suitable a node is to host a guest. Lower is better.
// Scoring is pure: it never fails and never mutates its inputs.
type Scorer struct {
	config Config
	logger *zap.Logger
}

// New creates a new Scorer instance.
func New(config Config, logger *zap.Logger) *Scorer {
	return &Scorer{
		config: config,
		logger: logger.With(zap.String("component", "scorer")),
	}
}

// Score returns the placement score of target for guest, counting guests already
// provisionally assigned to target in this pass.
func (s *Scorer) Score(target *domain.Node, guest *domain.Guest, pending []*domain.Guest, th Thresholds) float64 {
	return s.Explain(target, guest, pending, th).Total
}

// Explain returns the full score breakdown.
func (s *Scorer) Explain(target *domain.Node, guest *domain.Guest, pending []*domain.Guest, th Thresholds) *Breakdown {
	b := &Breakdown{}
	if target == nil {
		return b
	}

	// 1. Weighted current load
	b.CurrentCPU = s.weighted(target.CPU, target.HasHistorical)
	b.CurrentMemory = s.weighted(target.Memory, target.HasHistorical)
	b.CurrentIOWait = s.weighted(target.IOWait, target.HasHistorical)

	// 2. Penalties on the node as it is now
	s.applyTier(b, s.config.LoadTiers, b.CurrentCPU, th.CPU, "current CPU")
	s.applyTier(b, s.config.LoadTiers, b.CurrentMemory, th.Memory, "current memory")
	s.applyTier(b, s.config.IOWaitTiers, b.CurrentIOWait, th.IOWait, "I/O wait")
	s.applyTier(b, s.config.SustainedTiers, target.CPU.Avg7d, 0, "CPU")
	s.applyTier(b, s.config.SustainedTiers, target.Memory.Avg7d, 0, "memory")
	s.applyTier(b, s.config.PeakTiers, target.CPU.Peak7d, 0, "CPU peak")
	s.applyTier(b, s.config.PeakTiers, target.Memory.Peak7d, 0, "memory peak")
	s.applyTrend(b, target.CPU.Trend, "CPU")
	s.applyTrend(b, target.Memory.Trend, "memory")
	s.applyTrend(b, target.IOWait.Trend, "I/O wait")

	// 3. Predicted load after this guest and everything pending lands here
	b.PredictedCPU = b.CurrentCPU
	b.PredictedMemory = b.CurrentMemory
	if guest != nil && guest.Node != target.ID {
		cpu, mem := contribution(target, guest)
		b.PredictedCPU += cpu
		b.PredictedMemory += mem
	}
	for _, p := range pending {
		if p == nil || (guest != nil && p.ID == guest.ID) || p.Node == target.ID {
			continue
		}
		cpu, mem := contribution(target, p)
		b.PredictedCPU += cpu
		b.PredictedMemory += mem
	}

	// 4. Penalties on the predicted load
	s.applyTier(b, s.config.LoadTiers, b.PredictedCPU, th.CPU, "predicted CPU")
	s.applyTier(b, s.config.LoadTiers, b.PredictedMemory, th.Memory, "predicted memory")

	// 5. Combine
	b.CurrentHealth = s.health(b.CurrentCPU, b.CurrentMemory, b.CurrentIOWait)
	b.PredictedHealth = s.health(b.PredictedCPU, b.PredictedMemory, b.CurrentIOWait)
	cpuHeadroom := clamp(100-b.PredictedCPU, 0, 100)
	memHeadroom := clamp(100-b.PredictedMemory, 0, 100)
	b.HeadroomDeficit = 100 - (cpuHeadroom+memHeadroom)/2
	b.StoragePressure = target.StoragePressure()

	b.Total = s.config.CurrentWeight*b.CurrentHealth +
		s.config.PredictedWeight*b.PredictedHealth +
		s.config.HeadroomWeight*b.HeadroomDeficit +
		s.config.StorageWeight*b.StoragePressure +
		b.PenaltyTotal

	return b
}

func (s *Scorer) weighted(m domain.ResourceMetrics, historical bool) float64 {
	if !historical {
		return m.Current
	}
	return s.config.ImmediateWeight*m.Current + s.config.DailyWeight*m.Avg24h + s.config.WeeklyWeight*m.Avg7d
}

func (s *Scorer) health(cpu, mem, iowait float64) float64 {
	remainder := 1 - s.config.HealthCPUWeight - s.config.HealthMemoryWeight - s.config.HealthIOWaitWeight
	if remainder < 0 {
		remainder = 0
	}
	return (s.config.HealthCPUWeight+remainder/2)*cpu +
		(s.config.HealthMemoryWeight+remainder/2)*mem +
		s.config.HealthIOWaitWeight*iowait
}

// applyTier adds the highest tier whose base+Above is exceeded. Tiers are ordered highest first.
func (s *Scorer) applyTier(b *Breakdown, tiers []Tier, value, base float64, what string) {
	for _, t := range tiers {
		if value > base+t.Above {
			b.add(t.Label+" "+what, t.Penalty)
			return
		}
	}
}

func (s *Scorer) applyTrend(b *Breakdown, trend domain.Trend, what string) {
	if trend == domain.TrendRising {
		b.add("rising "+what+" trend", s.config.RisingTrendPenalty)
	}
}

// contribution estimates the load a guest adds to a node, in percent of the node.
func contribution(node *domain.Node, g *domain.Guest) (cpu, mem float64) {
	if node.Cores > 0 {
		cpu = g.CPUPercent * float64(g.Cores) / float64(node.Cores)
	}
	if node.TotalMemoryGB > 0 {
		mem = g.MemMaxGB / node.TotalMemoryGB * 100
	}
	return cpu, mem
}

// Suitability converts a score into a 0-100 rating, higher is better.
func Suitability(score float64) float64 {
	return 100 - clamp(score, 0, 100)
}

// Confidence converts a score improvement into a 0-100 confidence value.
func Confidence(improvement float64) float64 {
	return clamp(improvement*2, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
