package experiment

import (
	"math"

	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

const neutralScore = 0.5

// banditWeights scores each variant from its observed mean of the target
// metric and turns the scores into traffic weights.
//
// Description:
//
//	Variants with at least minObservations samples are scored by their mean,
//	inverted for lower-is-better metrics, and normalized by the best score
//	into (0,1]. Other variants receive a neutral score of 0.5. Scores are
//	converted to shares of 100, clamped to [minWeight, maxWeight] and
//	rescaled so the full set sums to 100.
//
// Outputs:
//   - map[string]float64: Weight per variant id, summing to 100 ± 0.01.
//   - bool: False when no variant has reached minObservations.
func banditWeights(variants []Variant, stats map[string]VariantStats, def telemetry.Definition, minObservations int, minWeight, maxWeight float64) (map[string]float64, bool) {
	raw := make(map[string]float64, len(variants))
	var best float64
	observed := false
	for _, v := range variants {
		vs, ok := stats[v.ID]
		if !ok || vs.SampleSize < minObservations {
			continue
		}
		observed = true
		score := vs.Mean
		if def.LowerIsBetter() {
			if vs.Mean <= 0 {
				score = math.Inf(1)
			} else {
				score = 1 / vs.Mean
			}
		}
		raw[v.ID] = score
		if score > best {
			best = score
		}
	}
	if !observed {
		return nil, false
	}

	scores := make([]float64, len(variants))
	var total float64
	for i, v := range variants {
		s, ok := raw[v.ID]
		switch {
		case !ok || best <= 0:
			scores[i] = neutralScore
		case math.IsInf(best, 1):
			scores[i] = 0
			if math.IsInf(s, 1) {
				scores[i] = 1
			}
		default:
			scores[i] = s / best
		}
		total += scores[i]
	}

	weights := make([]float64, len(variants))
	for i := range variants {
		share := 100 / float64(len(variants))
		if total > 0 {
			share = scores[i] / total * 100
		}
		weights[i] = clamp(share, minWeight, maxWeight)
	}
	return rescale(variants, weights), true
}

// rescale scales weights to sum to 100, rounds to two decimals and gives
// the rounding remainder to the last variant.
func rescale(variants []Variant, weights []float64) map[string]float64 {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	out := make(map[string]float64, len(variants))
	var assigned float64
	for i, v := range variants {
		if i == len(variants)-1 {
			out[v.ID] = math.Round((100-assigned)*100) / 100
			break
		}
		w := math.Round(weights[i]/sum*100*100) / 100
		out[v.ID] = w
		assigned += w
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
