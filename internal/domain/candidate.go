package domain

// CandidateKind classifies why a migration was proposed.
type CandidateKind string

const (
	CandidateKindBalance      CandidateKind = "balance"
	CandidateKindMaintenance  CandidateKind = "maintenance"
	CandidateKindDistribution CandidateKind = "distribution"
)

// Resource names the metric a balancing move relieves.
type Resource string

const (
	ResourceCPU    Resource = "CPU"
	ResourceMemory Resource = "MEM"
	ResourceIOWait Resource = "IOWAIT"
)

// Candidate is a proposed relocation of one guest. Candidates are never persisted.
type Candidate struct {
	GuestID      string        `json:"guest_id"`
	GuestName    string        `json:"guest_name"`
	GuestType    GuestType     `json:"guest_type"`
	SourceNode   string        `json:"source_node"`
	TargetNode   string        `json:"target_node"`
	CurrentScore float64       `json:"current_score"`
	TargetScore  float64       `json:"target_score"`
	Improvement  float64       `json:"improvement"`
	Reason       string        `json:"reason"`
	Kind         CandidateKind `json:"kind"`
	Resource     Resource      `json:"resource,omitempty"`

	// Structured load percentages, so consumers never parse Reason.
	SourceCPU float64 `json:"source_cpu"`
	SourceMem float64 `json:"source_mem"`
	TargetCPU float64 `json:"target_cpu"`
	TargetMem float64 `json:"target_mem"`

	Suitability float64 `json:"suitability"`
	Confidence  float64 `json:"confidence"`
}

// IsMaintenance returns true for maintenance evacuations.
func (c *Candidate) IsMaintenance() bool {
	return c.Kind == CandidateKindMaintenance
}

// IsDistribution returns true for guest-count balancing moves.
func (c *Candidate) IsDistribution() bool {
	return c.Kind == CandidateKindDistribution
}
