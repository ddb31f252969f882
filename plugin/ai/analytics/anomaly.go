package analytics

import (
	"math"

	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

// zeroVarianceDeviation is reported when the baseline is constant and the
// candidate differs from it.
const zeroVarianceDeviation = 1000.0

var trackedMetrics = []string{
	telemetry.MetricResponseTime,
	telemetry.MetricCost,
	telemetry.MetricTokenUsage,
	telemetry.MetricQualityScore,
}

var possibleCauses = map[string][]string{
	telemetry.MetricResponseTime: {
		"provider latency spike",
		"longer completion than usual",
		"rate limiting or retries upstream",
	},
	telemetry.MetricCost: {
		"larger completion than usual",
		"provider pricing change",
		"request routed to a more expensive model",
	},
	telemetry.MetricTokenUsage: {
		"unusually long variable input",
		"verbose completion",
		"template text changed",
	},
	telemetry.MetricQualityScore: {
		"model regression",
		"ambiguous or out-of-distribution input",
		"template text changed",
	},
}

// detect compares candidate with baseline on every tracked metric.
func (s *Service) detect(baseline []telemetry.ExecutionRecord, candidate telemetry.ExecutionRecord) []telemetry.Anomaly {
	if len(baseline) < s.cfg.MinBaselineExecutions {
		return nil
	}

	var anomalies []telemetry.Anomaly
	for _, name := range trackedMetrics {
		def, ok := telemetry.Builtin(name)
		if !ok {
			continue
		}
		actual, ok := def.Sample(candidate)
		if !ok {
			continue
		}
		samples := def.Samples(baseline)
		if len(samples) < 2 {
			continue
		}

		mean := telemetry.Mean(samples)
		deviation := deviationOf(actual, mean, telemetry.StdDev(samples))
		if deviation <= s.cfg.AnomalyThreshold {
			continue
		}
		anomalies = append(anomalies, telemetry.Anomaly{
			Timestamp:      candidate.Timestamp,
			Metric:         name,
			Expected:       mean,
			Actual:         actual,
			Deviation:      deviation,
			Severity:       classifySeverity(deviation, s.cfg.AnomalyThreshold),
			PossibleCauses: append([]string(nil), possibleCauses[name]...),
		})
	}
	return anomalies
}

func deviationOf(actual, mean, stddev float64) float64 {
	diff := math.Abs(actual - mean)
	if stddev == 0 {
		if diff == 0 {
			return 0
		}
		return zeroVarianceDeviation
	}
	return diff / stddev
}

// classifySeverity maps a deviation to a tier by multiples of threshold:
// below 2x low, 2x medium, 4x high, 8x and above critical.
func classifySeverity(deviation, threshold float64) telemetry.Severity {
	ratio := deviation / threshold
	switch {
	case ratio >= 8:
		return telemetry.SeverityCritical
	case ratio >= 4:
		return telemetry.SeverityHigh
	case ratio >= 2:
		return telemetry.SeverityMedium
	default:
		return telemetry.SeverityLow
	}
}
