package optimizer

import (
	"math"

	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

// project combines the expected impacts of recs per metric.
//
// Improvements on one metric compound with diminishing returns:
// cumulative = cumulative + (1-cumulative)·pct/100, in recommendation order.
// The projected value moves by the cumulative share in the metric's
// direction and the confidence is the weakest contributor's confidence
// scaled by conservatism.
func project(recs []Recommendation, registry *telemetry.Registry, conservatism float64) map[string]Projection {
	type acc struct {
		current    float64
		cumulative float64
		confidence float64
	}
	accs := make(map[string]*acc)
	order := make([]string, 0)

	for _, r := range recs {
		for _, imp := range r.ExpectedImpact {
			if imp.ImprovementPct <= 0 {
				continue
			}
			a, ok := accs[imp.Metric]
			if !ok {
				a = &acc{current: imp.Current, confidence: 1}
				accs[imp.Metric] = a
				order = append(order, imp.Metric)
			}
			share := math.Min(imp.ImprovementPct, 100) / 100
			a.cumulative += (1 - a.cumulative) * share
			a.confidence = math.Min(a.confidence, r.Confidence)
		}
	}

	out := make(map[string]Projection, len(accs))
	for _, metric := range order {
		a := accs[metric]
		projected := a.current * (1 + a.cumulative)
		if registry.DirectionOf(metric) == telemetry.LowerIsBetter {
			projected = a.current * (1 - a.cumulative)
		}
		out[metric] = Projection{
			Current:        a.current,
			Projected:      projected,
			ImprovementPct: a.cumulative * 100,
			Confidence:     a.confidence * conservatism,
		}
	}
	return out
}
