package telemetry

import "time"

// Severity ranks anomalies and recommendations.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; higher is more severe. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Anomaly is an execution metric that deviated from its baseline.
type Anomaly struct {
	Timestamp time.Time `json:"timestamp"`
	Metric    string    `json:"metric"`
	Expected  float64   `json:"expected"`
	Actual    float64   `json:"actual"`
	// Deviation is measured in baseline standard deviations.
	Deviation      float64  `json:"deviation"`
	Severity       Severity `json:"severity"`
	PossibleCauses []string `json:"possibleCauses"`
}
