package experiment

import (
	"maps"
	"time"
)

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// CanTransition reports whether an experiment may move from one status to another.
//
//	draft   -> running
//	running -> paused | completed
//	paused  -> running | completed
func CanTransition(from, to Status) bool {
	switch from {
	case StatusDraft:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusPaused || to == StatusCompleted
	case StatusPaused:
		return to == StatusRunning || to == StatusCompleted
	default:
		return false
	}
}

// AllocationPolicy selects how subjects are spread across variants.
type AllocationPolicy string

const (
	// AllocationWeightedRandom draws uniformly over [0,100) and walks cumulative weights.
	AllocationWeightedRandom AllocationPolicy = "weighted_random"
	// AllocationDeterministicHash buckets FNV-1a(subject+test) mod 100.
	AllocationDeterministicHash AllocationPolicy = "deterministic_hash"
	// AllocationRoundRobin assigns the variant furthest below its target share.
	AllocationRoundRobin AllocationPolicy = "round_robin"
)

// Variant is one treatment arm of an experiment.
type Variant struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	TemplateID      string  `json:"templateId"`
	TemplateVersion string  `json:"templateVersion"`
	Weight          float64 `json:"weight"`
	IsControl       bool    `json:"isControl"`
}

// Experiment is an A/B test across template variants.
type Experiment struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Status            Status     `json:"status"`
	Variants          []Variant  `json:"variants"`
	TargetMetric      string     `json:"targetMetric"`
	MinimumSampleSize int        `json:"minimumSampleSize"`
	ConfidenceLevel   float64    `json:"confidenceLevel"`
	CreatedAt         time.Time  `json:"createdAt"`
	CreatedBy         string     `json:"createdBy,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
	Result            *Result    `json:"result,omitempty"`
}

// Control returns the control variant.
func (e *Experiment) Control() (Variant, bool) {
	for _, v := range e.Variants {
		if v.IsControl {
			return v, true
		}
	}
	return Variant{}, false
}

// Variant returns the variant with the given id.
func (e *Experiment) Variant(id string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// ReferencesTemplate reports whether any variant runs templateID.
func (e *Experiment) ReferencesTemplate(templateID string) bool {
	for _, v := range e.Variants {
		if v.TemplateID == templateID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (e *Experiment) Clone() *Experiment {
	out := *e
	out.Variants = append([]Variant(nil), e.Variants...)
	if e.StartedAt != nil {
		t := *e.StartedAt
		out.StartedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		out.EndedAt = &t
	}
	if e.Result != nil {
		out.Result = e.Result.Clone()
	}
	return &out
}

// ResultStatus is the outcome of a results analysis.
type ResultStatus string

const (
	ResultInsufficientData ResultStatus = "insufficient_data"
	ResultNoWinner         ResultStatus = "no_winner"
	ResultWinnerFound      ResultStatus = "winner_found"
)

// ConfidenceInterval is a two-sided interval around a mean.
type ConfidenceInterval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Level float64 `json:"level"`
}

// Width returns the interval width.
func (ci ConfidenceInterval) Width() float64 {
	return ci.Upper - ci.Lower
}

// Overlaps reports whether the two intervals share any point.
func (ci ConfidenceInterval) Overlaps(other ConfidenceInterval) bool {
	return ci.Lower <= other.Upper && other.Lower <= ci.Upper
}

// VariantStats are the per-variant statistics of the target metric.
type VariantStats struct {
	VariantID          string             `json:"variantId"`
	SampleSize         int                `json:"sampleSize"`
	Sufficient         bool               `json:"sufficient"`
	Mean               float64            `json:"mean"`
	StdDev             float64            `json:"stdDev"`
	ConfidenceInterval ConfidenceInterval `json:"confidenceInterval"`
	// ImprovementOverControl is a percentage, positive when the variant is
	// better than the control in the metric's direction. Nil until both the
	// variant and the control reach the minimum sample size.
	ImprovementOverControl *float64 `json:"improvementOverControl,omitempty"`
}

// Result is the outcome of AnalyzeTestResults.
type Result struct {
	Status                  ResultStatus            `json:"status"`
	WinnerVariantID         string                  `json:"winnerVariantId,omitempty"`
	Variants                map[string]VariantStats `json:"variants"`
	StatisticalSignificance float64                 `json:"statisticalSignificance"`
	AnalyzedAt              time.Time               `json:"analyzedAt"`
}

// Clone returns a deep copy.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Variants = maps.Clone(r.Variants)
	for id, vs := range out.Variants {
		if vs.ImprovementOverControl != nil {
			v := *vs.ImprovementOverControl
			vs.ImprovementOverControl = &v
			out.Variants[id] = vs
		}
	}
	return &out
}

// Improvement returns the improvement of the winner, or 0.
func (r *Result) Improvement() float64 {
	if r.WinnerVariantID == "" {
		return 0
	}
	if vs, ok := r.Variants[r.WinnerVariantID]; ok && vs.ImprovementOverControl != nil {
		return *vs.ImprovementOverControl
	}
	return 0
}
