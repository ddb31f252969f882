package telemetry

import (
	"sort"
	"sync"

	aierrors "github.com/hrygo/promptlab/internal/errors"
)

// Direction declares whether larger values of a metric are improvements.
type Direction int

const (
	// HigherIsBetter marks metrics such as success rate or quality.
	HigherIsBetter Direction = iota + 1
	// LowerIsBetter marks metrics such as latency, cost or token usage.
	LowerIsBetter
)

// String returns the string representation.
func (d Direction) String() string {
	switch d {
	case HigherIsBetter:
		return "higher_is_better"
	case LowerIsBetter:
		return "lower_is_better"
	default:
		return "unknown"
	}
}

// Per-execution metrics. These are the valid experiment target metrics.
const (
	MetricSuccessRate  = "success_rate"
	MetricResponseTime = "response_time"
	MetricTokenUsage   = "token_usage"
	MetricCost         = "cost"
	MetricQualityScore = "quality_score"
)

// Report-level metrics, named as they appear in a performance summary.
const (
	MetricAvgResponseTime = "avgResponseTime"
	MetricSuccessRatio    = "successRate"
	MetricAvgTokenUsage   = "avgTokenUsage"
	MetricAvgCost         = "avgCost"
	MetricAvgQuality      = "qualityScore"
	MetricTotalExecutions = "totalExecutions"
)

// Calculator aggregates a set of records into one value.
type Calculator func(records []ExecutionRecord) float64

// Sampler extracts the per-execution value of a metric. ok is false when the
// record carries no value for it (for example, no quality score).
type Sampler func(r ExecutionRecord) (value float64, ok bool)

// Definition declares a metric together with its unit and direction.
type Definition struct {
	Name      string
	Unit      string
	Direction Direction
	// Aggregate computes the metric over a set of records.
	Aggregate Calculator
	// Sample is nil for aggregate-only metrics.
	Sample Sampler
	// Custom is true for metrics registered at runtime.
	Custom bool
}

// LowerIsBetter reports whether smaller values are improvements.
func (d Definition) LowerIsBetter() bool {
	return d.Direction == LowerIsBetter
}

// Samples extracts the per-execution values of the metric from records.
func (d Definition) Samples(records []ExecutionRecord) []float64 {
	if d.Sample == nil {
		return nil
	}
	values := make([]float64, 0, len(records))
	for _, r := range records {
		if v, ok := d.Sample(r); ok {
			values = append(values, v)
		}
	}
	return values
}

// Registry holds metric definitions keyed by name.
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates a registry preloaded with the built-in metrics.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	for _, d := range builtinDefinitions() {
		r.defs[d.Name] = d
	}
	return r
}

// Register adds a custom metric. Empty names, missing calculators, invalid
// directions and duplicate names are rejected.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return aierrors.InvalidArgument("metric name is required")
	}
	if def.Aggregate == nil {
		return aierrors.InvalidArgument("metric %q has no calculator", def.Name)
	}
	if def.Direction != HigherIsBetter && def.Direction != LowerIsBetter {
		return aierrors.InvalidArgument("metric %q has no direction", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return aierrors.InvalidArgument("metric %q is already registered", def.Name)
	}
	def.Custom = true
	r.defs[def.Name] = def
	return nil
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Custom returns the runtime-registered metrics ordered by name.
func (r *Registry) Custom() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0)
	for _, d := range r.defs {
		if d.Custom {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DirectionOf returns the direction of name, defaulting to HigherIsBetter for unknown metrics.
func (r *Registry) DirectionOf(name string) Direction {
	if d, ok := r.Lookup(name); ok {
		return d.Direction
	}
	return HigherIsBetter
}

// IsTargetMetric reports whether name is a valid experiment target metric.
func IsTargetMetric(name string) bool {
	switch name {
	case MetricSuccessRate, MetricResponseTime, MetricTokenUsage, MetricCost, MetricQualityScore:
		return true
	}
	return false
}

// Builtin returns the built-in definition for name.
func Builtin(name string) (Definition, bool) {
	for _, d := range builtinDefinitions() {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// ReportMetricFor maps an experiment target metric onto the summary metric that tracks it.
func ReportMetricFor(target string) string {
	switch target {
	case MetricSuccessRate:
		return MetricSuccessRatio
	case MetricResponseTime:
		return MetricAvgResponseTime
	case MetricTokenUsage:
		return MetricAvgTokenUsage
	case MetricCost:
		return MetricAvgCost
	case MetricQualityScore:
		return MetricAvgQuality
	default:
		return target
	}
}

func builtinDefinitions() []Definition {
	responseTime := func(r ExecutionRecord) (float64, bool) { return r.ResponseTime, true }
	success := func(r ExecutionRecord) (float64, bool) {
		if r.Success {
			return 1, true
		}
		return 0, true
	}
	tokens := func(r ExecutionRecord) (float64, bool) { return float64(r.TotalTokens()), true }
	cost := func(r ExecutionRecord) (float64, bool) { return r.Cost, true }
	quality := func(r ExecutionRecord) (float64, bool) {
		if r.QualityScore == nil {
			return 0, false
		}
		return *r.QualityScore, true
	}
	meanOf := func(s Sampler) Calculator {
		return func(records []ExecutionRecord) float64 {
			return Mean(Definition{Sample: s}.Samples(records))
		}
	}

	return []Definition{
		{Name: MetricResponseTime, Unit: "ms", Direction: LowerIsBetter, Sample: responseTime, Aggregate: meanOf(responseTime)},
		{Name: MetricSuccessRate, Unit: "ratio", Direction: HigherIsBetter, Sample: success, Aggregate: meanOf(success)},
		{Name: MetricTokenUsage, Unit: "tokens", Direction: LowerIsBetter, Sample: tokens, Aggregate: meanOf(tokens)},
		{Name: MetricCost, Unit: "usd", Direction: LowerIsBetter, Sample: cost, Aggregate: meanOf(cost)},
		{Name: MetricQualityScore, Unit: "score", Direction: HigherIsBetter, Sample: quality, Aggregate: meanOf(quality)},

		{Name: MetricAvgResponseTime, Unit: "ms", Direction: LowerIsBetter, Aggregate: meanOf(responseTime)},
		{Name: MetricSuccessRatio, Unit: "ratio", Direction: HigherIsBetter, Aggregate: meanOf(success)},
		{Name: MetricAvgTokenUsage, Unit: "tokens", Direction: LowerIsBetter, Aggregate: meanOf(tokens)},
		{Name: MetricAvgCost, Unit: "usd", Direction: LowerIsBetter, Aggregate: meanOf(cost)},
		{Name: MetricAvgQuality, Unit: "score", Direction: HigherIsBetter, Aggregate: meanOf(quality)},
		{Name: MetricTotalExecutions, Unit: "count", Direction: HigherIsBetter, Aggregate: func(records []ExecutionRecord) float64 {
			return float64(len(records))
		}},
	}
}
