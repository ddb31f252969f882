package experiment

import (
	"math"

	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

// zScores maps supported confidence levels to two-sided critical values.
var zScores = map[float64]float64{
	0.90: 1.645,
	0.95: 1.96,
	0.99: 2.576,
}

// confidenceInterval computes mean ± z·σ/√n.
//
// Inputs:
//   - mean, stddev: Sample statistics of the metric.
//   - n: Sample size. Non-positive sizes yield a degenerate interval at the mean.
//   - level: One of the supported confidence levels; unknown levels use 0.95.
func confidenceInterval(mean, stddev float64, n int, level float64) ConfidenceInterval {
	z, ok := zScores[level]
	if !ok {
		z, level = zScores[defaultConfidenceLevel], defaultConfidenceLevel
	}
	if n <= 0 {
		return ConfidenceInterval{Lower: mean, Upper: mean, Level: level}
	}
	margin := z * stddev / math.Sqrt(float64(n))
	return ConfidenceInterval{Lower: mean - margin, Upper: mean + margin, Level: level}
}

// normalCDF approximates the standard normal CDF with the Abramowitz-Stegun
// polynomial 26.2.17. Absolute error is below 7.5e-8.
func normalCDF(x float64) float64 {
	const (
		p  = 0.2316419
		b1 = 0.319381530
		b2 = -0.356563782
		b3 = 1.781477937
		b4 = -1.821255978
		b5 = 1.330274429
	)
	if x < 0 {
		return 1 - normalCDF(-x)
	}
	t := 1 / (1 + p*x)
	poly := t * (b1 + t*(b2+t*(b3+t*(b4+t*b5))))
	pdf := math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
	return 1 - pdf*poly
}

// significance converts a two-sample z statistic into a two-sided confidence
// that the means differ: 2Φ(|z|) - 1.
func significance(a, b VariantStats) float64 {
	se := math.Sqrt(a.StdDev*a.StdDev/float64(a.SampleSize) + b.StdDev*b.StdDev/float64(b.SampleSize))
	diff := math.Abs(a.Mean - b.Mean)
	if se == 0 {
		if diff == 0 {
			return 0
		}
		return 1
	}
	return 2*normalCDF(diff/se) - 1
}

// improvement returns the percentage change of variant over control,
// positive when variant is better. ok is false when the control mean is zero.
func improvement(variant, control float64, lowerIsBetter bool) (float64, bool) {
	if control == 0 {
		return 0, false
	}
	pct := (variant - control) / math.Abs(control) * 100
	if lowerIsBetter {
		pct = -pct
	}
	return pct, true
}

// variantStats summarizes the target metric over one variant's executions.
func variantStats(id string, def telemetry.Definition, records []telemetry.ExecutionRecord, minSamples int, level float64) VariantStats {
	samples := def.Samples(records)
	mean := telemetry.Mean(samples)
	stddev := telemetry.StdDev(samples)
	return VariantStats{
		VariantID:          id,
		SampleSize:         len(samples),
		Sufficient:         len(samples) >= minSamples,
		Mean:               mean,
		StdDev:             stddev,
		ConfidenceInterval: confidenceInterval(mean, stddev, len(samples), level),
	}
}
