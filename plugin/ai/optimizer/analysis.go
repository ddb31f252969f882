package optimizer

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/hrygo/promptlab/plugin/ai/analytics"
	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

// cacheFriendlyCategories produce repeatable answers for repeated inputs.
var cacheFriendlyCategories = []string{"faq", "classification", "documentation", "reference", "extraction"}

// performanceRecommendations reacts to latency, reliability and anomaly
// clusters in report.
func (e *Engine) performanceRecommendations(templateID string, report *analytics.PerformanceReport) []Recommendation {
	if report == nil || report.Summary.TotalExecutions == 0 {
		return nil
	}
	var recs []Recommendation
	sum := report.Summary

	if sum.AvgResponseTime > e.cfg.TargetResponseTimeMs {
		pct := math.Min(50, (sum.AvgResponseTime-e.cfg.TargetResponseTimeMs)/sum.AvgResponseTime*100)
		rec := Recommendation{
			Type:           TypeModelChange,
			Priority:       telemetry.SeverityHigh,
			Title:          "Switch to a faster model",
			Description:    "Average latency is above target. Route this template to a lower-latency model of comparable quality.",
			Rationale:      fmt.Sprintf("Average response time %.0fms exceeds the %.0fms target.", sum.AvgResponseTime, e.cfg.TargetResponseTimeMs),
			ExpectedImpact: []Impact{impact(telemetry.MetricAvgResponseTime, sum.AvgResponseTime, pct, true)},
			Effort:         EffortMedium,
			AutoApplicable: true,
			Confidence:     0.75,
			Source:         SourcePerformance,
		}
		model := e.currentModel(templateID)
		if cur, alt, ok := fasterModel(model); ok {
			pct = math.Min(pct, (1-alt.Latency/cur.Latency)*100)
			rec.ExpectedImpact = []Impact{impact(telemetry.MetricAvgResponseTime, sum.AvgResponseTime, pct, true)}
			rec.SuggestedChanges = []SuggestedChange{{Target: "model", From: cur.Model, To: alt.Model, Description: "faster model with equal or better quality"}}
		} else {
			rec.AutoApplicable = false
			rec.Confidence = 0.5
		}
		recs = append(recs, rec)
	}

	if sum.SuccessRate < e.cfg.TargetSuccessRate {
		pct := 0.0
		if sum.SuccessRate > 0 {
			pct = (e.cfg.TargetSuccessRate - sum.SuccessRate) / sum.SuccessRate * 100
		}
		recs = append(recs, Recommendation{
			Type:        TypeFallbackStrategy,
			Priority:    telemetry.SeverityCritical,
			Title:       "Add retries and a fallback provider",
			Description: "Executions fail too often. Retry transient failures with exponential backoff and fall back to a secondary provider.",
			Rationale:   fmt.Sprintf("Success rate %.1f%% is below the %.1f%% target.", sum.SuccessRate*100, e.cfg.TargetSuccessRate*100),
			ExpectedImpact: []Impact{{
				Metric:         telemetry.MetricSuccessRatio,
				Current:        sum.SuccessRate,
				Expected:       e.cfg.TargetSuccessRate,
				ImprovementPct: pct,
			}},
			SuggestedChanges: []SuggestedChange{
				{Target: "max_retries", To: "3"},
				{Target: "retry_backoff", To: "exponential"},
				{Target: "fallback_provider", From: sum.TopProvider, To: "secondary"},
			},
			Effort:         EffortMedium,
			AutoApplicable: true,
			Confidence:     0.85,
			Source:         SourcePerformance,
		})
	}

	if n := e.recentSevereAnomalies(report); n > e.cfg.AnomalyClusterSize {
		recs = append(recs, Recommendation{
			Type:        TypeParameterTuning,
			Priority:    telemetry.SeverityHigh,
			Title:       "Stabilize sampling parameters",
			Description: "Repeated severe anomalies suggest unstable generations. Lower the sampling temperature and cap the response length.",
			Rationale:   fmt.Sprintf("%d high-severity anomalies in the last %s.", n, e.cfg.AnomalyWindow),
			ExpectedImpact: []Impact{
				impact(telemetry.MetricAvgResponseTime, sum.AvgResponseTime, 10, true),
			},
			SuggestedChanges: []SuggestedChange{
				{Target: "temperature", To: "0.3"},
				{Target: "max_tokens", To: fmt.Sprint(int(math.Max(256, math.Ceil(sum.AvgTokenUsage*1.2))))},
			},
			Effort:         EffortLow,
			AutoApplicable: true,
			Confidence:     0.65,
			Source:         SourcePerformance,
		})
	}
	return recs
}

func (e *Engine) recentSevereAnomalies(report *analytics.PerformanceReport) int {
	cutoff := e.now().Add(-e.cfg.AnomalyWindow)
	n := 0
	for _, a := range report.Anomalies {
		if a.Severity.AtLeast(telemetry.SeverityHigh) && !a.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

// costRecommendations reacts to token usage, cacheability and excess quality.
func (e *Engine) costRecommendations(tpl telemetry.PromptTemplate, report *analytics.PerformanceReport) []Recommendation {
	if report == nil || report.Summary.TotalExecutions == 0 {
		return nil
	}
	var recs []Recommendation
	sum := report.Summary

	if sum.AvgTokenUsage > e.cfg.HighTokenUsage {
		recs = append(recs, Recommendation{
			Type:        TypePromptRefinement,
			Priority:    telemetry.SeverityMedium,
			Title:       "Reduce token usage",
			Description: "Trim instructions and request shorter answers; set an explicit response length limit.",
			Rationale:   fmt.Sprintf("Average usage of %.0f tokens exceeds %.0f.", sum.AvgTokenUsage, e.cfg.HighTokenUsage),
			ExpectedImpact: []Impact{
				impact(telemetry.MetricAvgTokenUsage, sum.AvgTokenUsage, 20, true),
				impact(telemetry.MetricAvgCost, sum.AvgCost, 20, true),
			},
			SuggestedChanges: []SuggestedChange{{Target: "max_tokens", To: fmt.Sprint(int(e.cfg.HighTokenUsage / 2))}},
			Effort:           EffortLow,
			Confidence:       0.7,
			Source:           SourceCost,
		})
	}

	if fraction := cacheableFraction(tpl); sum.TotalExecutions >= e.cfg.HighVolume && fraction >= e.cfg.CacheableThreshold {
		recs = append(recs, Recommendation{
			Type:        TypeCaching,
			Priority:    telemetry.SeverityHigh,
			Title:       "Cache responses",
			Description: "This template runs often with repeatable inputs. Cache responses keyed on the rendered prompt.",
			Rationale:   fmt.Sprintf("%d executions with an estimated %.0f%% cacheable share.", sum.TotalExecutions, fraction*100),
			ExpectedImpact: []Impact{
				impact(telemetry.MetricAvgCost, sum.AvgCost, fraction*100, true),
				impact(telemetry.MetricAvgResponseTime, sum.AvgResponseTime, fraction*50, true),
			},
			SuggestedChanges: []SuggestedChange{{Target: "response_cache", To: "enabled"}},
			Effort:           EffortMedium,
			Confidence:       0.7,
			Source:           SourceCost,
		})
	}

	if sum.QualityScore != nil && *sum.QualityScore >= e.cfg.QualityDowngradeScore {
		if cur, alt, ok := cheaperModel(e.currentModel(tpl.ID), e.cfg.QualityDowngradeScore-0.1); ok {
			pct := (1 - alt.Price/cur.Price) * 100
			recs = append(recs, Recommendation{
				Type:        TypeModelChange,
				Priority:    telemetry.SeverityLow,
				Title:       "Downgrade to a cheaper model",
				Description: "Quality comfortably exceeds requirements. A cheaper model is likely sufficient.",
				Rationale:   fmt.Sprintf("Quality score %.2f is above %.2f.", *sum.QualityScore, e.cfg.QualityDowngradeScore),
				ExpectedImpact: []Impact{
					impact(telemetry.MetricAvgCost, sum.AvgCost, pct, true),
				},
				SuggestedChanges: []SuggestedChange{{Target: "model", From: cur.Model, To: alt.Model, Description: "cheaper model"}},
				Effort:           EffortLow,
				Confidence:       0.6,
				Source:           SourceCost,
			})
		}
	}
	return recs
}

// cacheableFraction estimates the share of executions that could be served
// from a response cache. Fewer variables and reference-style categories
// repeat more; long prompts carry a large static prefix.
func cacheableFraction(tpl telemetry.PromptTemplate) float64 {
	var f float64
	switch n := declaredVariables(tpl); {
	case n == 0:
		f = 0.9
	case n <= 2:
		f = 0.6
	default:
		f = 0.3
	}
	if slices.Contains(cacheFriendlyCategories, strings.ToLower(tpl.Category)) {
		f += 0.1
	}
	if estimateTokens(tpl.Text) > 500 {
		f += 0.1
	}
	return math.Min(1, f)
}
