// Package scheduler implements guest placement scoring for the cluster.
// It rates how suitable a node is to host a guest, taking current and
// historical load, trends, pending placements and storage pressure into account.
package scheduler

// Thresholds are the operator-configured load limits, in percent.
type Thresholds struct {
	CPU    float64 `mapstructure:"cpu"`
	Memory float64 `mapstructure:"mem"`
	IOWait float64 `mapstructure:"iowait"`
}

// DefaultThresholds returns the recommendation thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{CPU: 60, Memory: 70, IOWait: 30}
}

// Tier is a penalty applied once a value exceeds Above.
type Tier struct {
	Above   float64
	Penalty float64
	Label   string
}

// Config holds the scorer weights and penalty tiers.
type Config struct {
	// Weighted load blend of immediate, 24h and 7d averages.
	ImmediateWeight float64
	DailyWeight     float64
	WeeklyWeight    float64

	// Final score blend.
	CurrentWeight   float64
	PredictedWeight float64
	HeadroomWeight  float64
	StorageWeight   float64

	// Health blend. The remainder after CPU, memory and I/O wait is split
	// evenly between CPU and memory.
	HealthCPUWeight    float64
	HealthMemoryWeight float64
	HealthIOWaitWeight float64

	// LoadTiers are offsets added to the CPU or memory threshold.
	LoadTiers []Tier
	// IOWaitTiers are offsets added to the I/O wait threshold.
	IOWaitTiers []Tier
	// SustainedTiers apply to the 7-day average.
	SustainedTiers []Tier
	// PeakTiers apply to the 7-day peak.
	PeakTiers []Tier

	RisingTrendPenalty float64
}

// DefaultConfig returns the default scorer configuration.
func DefaultConfig() Config {
	return Config{
		ImmediateWeight: 0.5,
		DailyWeight:     0.3,
		WeeklyWeight:    0.2,

		CurrentWeight:   0.25,
		PredictedWeight: 0.40,
		HeadroomWeight:  0.20,
		StorageWeight:   0.15,

		HealthCPUWeight:    0.30,
		HealthMemoryWeight: 0.30,
		HealthIOWaitWeight: 0.20,

		LoadTiers: []Tier{
			{Above: 20, Penalty: 100, Label: "extreme"},
			{Above: 10, Penalty: 50, Label: "very high"},
			{Above: 0, Penalty: 20, Label: "high"},
		},
		IOWaitTiers: []Tier{
			{Above: 20, Penalty: 60, Label: "extreme"},
			{Above: 10, Penalty: 30, Label: "very high"},
			{Above: 0, Penalty: 15, Label: "high"},
		},
		SustainedTiers: []Tier{
			{Above: 90, Penalty: 150, Label: "critical sustained"},
			{Above: 80, Penalty: 80, Label: "high sustained"},
			{Above: 70, Penalty: 40, Label: "elevated sustained"},
		},
		PeakTiers: []Tier{
			{Above: 95, Penalty: 30, Label: "severe"},
			{Above: 90, Penalty: 20, Label: "high"},
			{Above: 80, Penalty: 10, Label: "moderate"},
			{Above: 70, Penalty: 5, Label: "minor"},
		},

		RisingTrendPenalty: 15,
	}
}
