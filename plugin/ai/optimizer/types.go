// Package optimizer turns static prompt analysis, performance reports,
// experiment outcomes and registered strategies into ranked, quantified
// optimization recommendations.
package optimizer

import (
	"sort"
	"time"

	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

// RecommendationType classifies what a recommendation changes.
type RecommendationType string

const (
	TypePromptRefinement RecommendationType = "prompt_refinement"
	TypeModelChange      RecommendationType = "model_change"
	TypeParameterTuning  RecommendationType = "parameter_tuning"
	TypeCaching          RecommendationType = "caching"
	TypeFallbackStrategy RecommendationType = "fallback_strategy"
)

// Effort estimates the work needed to adopt a recommendation.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Source identifies the analysis stage that produced a recommendation.
type Source string

const (
	SourceStatic      Source = "static"
	SourcePerformance Source = "performance"
	SourceCost        Source = "cost"
	SourceStrategy    Source = "strategy"
	SourceExperiment  Source = "experiment"
)

// Impact is the expected effect of a recommendation on one report metric.
type Impact struct {
	Metric         string  `json:"metric" yaml:"metric"`
	Current        float64 `json:"current" yaml:"current"`
	Expected       float64 `json:"expected" yaml:"expected"`
	ImprovementPct float64 `json:"improvementPct" yaml:"improvementPct"`
}

// SuggestedChange is one concrete edit, e.g. target "model" from "gpt-4" to "gpt-4o".
type SuggestedChange struct {
	Target      string `json:"target" yaml:"target"`
	From        string `json:"from,omitempty" yaml:"from"`
	To          string `json:"to" yaml:"to"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// Recommendation is one optimization suggestion.
type Recommendation struct {
	ID               string             `json:"id" yaml:"id"`
	Type             RecommendationType `json:"type" yaml:"type"`
	Priority         telemetry.Severity `json:"priority" yaml:"priority"`
	Title            string             `json:"title" yaml:"title"`
	Description      string             `json:"description" yaml:"description"`
	Rationale        string             `json:"rationale" yaml:"rationale"`
	ExpectedImpact   []Impact           `json:"expectedImpact" yaml:"expectedImpact"`
	SuggestedChanges []SuggestedChange  `json:"suggestedChanges" yaml:"suggestedChanges"`
	Effort           Effort             `json:"effort" yaml:"effort"`
	AutoApplicable   bool               `json:"autoApplicable" yaml:"autoApplicable"`
	Confidence       float64            `json:"confidence" yaml:"confidence"`
	Source           Source             `json:"source" yaml:"-"`
	// StrategyID names the registered strategy that produced the recommendation.
	StrategyID       string             `json:"strategyId,omitempty" yaml:"-"`
}

func (r Recommendation) clone() Recommendation {
	r.ExpectedImpact = append([]Impact(nil), r.ExpectedImpact...)
	r.SuggestedChanges = append([]SuggestedChange(nil), r.SuggestedChanges...)
	return r
}

// Projection is the combined expected effect of all recommendations on one metric.
type Projection struct {
	Current        float64 `json:"current"`
	Projected      float64 `json:"projected"`
	ImprovementPct float64 `json:"improvementPct"`
	Confidence     float64 `json:"confidence"`
}

// AutomationFailure records a recommendation whose application failed.
type AutomationFailure struct {
	RecommendationID string `json:"recommendationId"`
	Error            string `json:"error"`
}

// Automation is the outcome of applying a batch of recommendations.
type Automation struct {
	Applied []string            `json:"applied"`
	Failed  []AutomationFailure `json:"failed"`
	Skipped []string            `json:"skipped"`
}

// Result is the outcome of one template analysis.
type Result struct {
	TemplateID      string                `json:"templateId"`
	Recommendations []Recommendation      `json:"recommendations"`
	Applied         []string              `json:"applied"`
	Failed          []AutomationFailure   `json:"failed"`
	Projected       map[string]Projection `json:"projected"`
	AnalyzedAt      time.Time             `json:"analyzedAt"`
}

// rank sorts recommendations by priority, most severe first, then by
// descending confidence. Equal items keep their analysis order.
func rank(recs []Recommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		pi, pj := recs[i].Priority.Rank(), recs[j].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return recs[i].Confidence > recs[j].Confidence
	})
}
