package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aierrors "github.com/hrygo/promptlab/internal/errors"
)

func TestRegistry_Builtins(t *testing.T) {
	r := NewRegistry()

	for _, name := range []string{MetricResponseTime, MetricCost, MetricTokenUsage, MetricAvgResponseTime, MetricAvgCost} {
		def, ok := r.Lookup(name)
		require.True(t, ok, name)
		assert.True(t, def.LowerIsBetter(), name)
	}
	for _, name := range []string{MetricSuccessRate, MetricQualityScore, MetricSuccessRatio} {
		def, ok := r.Lookup(name)
		require.True(t, ok, name)
		assert.False(t, def.LowerIsBetter(), name)
	}
	assert.Empty(t, r.Custom())
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	calc := func(records []ExecutionRecord) float64 { return float64(len(records)) }

	t.Run("Valid", func(t *testing.T) {
		require.NoError(t, r.Register(Definition{Name: "retries", Unit: "count", Direction: LowerIsBetter, Aggregate: calc}))
		def, ok := r.Lookup("retries")
		require.True(t, ok)
		assert.True(t, def.Custom)
		assert.Len(t, r.Custom(), 1)
	})

	t.Run("Duplicate", func(t *testing.T) {
		err := r.Register(Definition{Name: "retries", Direction: LowerIsBetter, Aggregate: calc})
		assert.True(t, aierrors.IsCode(err, aierrors.ErrCodeInvalidArgument))
	})

	t.Run("BuiltinNameTaken", func(t *testing.T) {
		err := r.Register(Definition{Name: MetricCost, Direction: LowerIsBetter, Aggregate: calc})
		assert.Error(t, err)
	})

	t.Run("MissingCalculator", func(t *testing.T) {
		err := r.Register(Definition{Name: "empty", Direction: HigherIsBetter})
		assert.True(t, aierrors.IsCode(err, aierrors.ErrCodeInvalidArgument))
	})
}

func TestDefinition_Samples(t *testing.T) {
	q := 0.8
	records := []ExecutionRecord{
		{Success: true, ResponseTime: 100, Tokens: TokenUsage{Prompt: 10, Completion: 5}},
		{Success: false, ResponseTime: 300, QualityScore: &q},
	}

	success, _ := Builtin(MetricSuccessRate)
	assert.Equal(t, []float64{1, 0}, success.Samples(records))

	quality, _ := Builtin(MetricQualityScore)
	assert.Equal(t, []float64{0.8}, quality.Samples(records))

	tokens, _ := Builtin(MetricTokenUsage)
	assert.Equal(t, []float64{15, 0}, tokens.Samples(records))

	avg, _ := Builtin(MetricAvgResponseTime)
	assert.Equal(t, 200.0, avg.Aggregate(records))
}

func TestStdDev(t *testing.T) {
	assert.Equal(t, 0.0, StdDev(nil))
	assert.Equal(t, 0.0, StdDev([]float64{42}))
	assert.InDelta(t, 1.5811, StdDev([]float64{1, 2, 3, 4, 5}), 1e-4)
}

func TestExecutionRecord_WithMetadata(t *testing.T) {
	orig := ExecutionRecord{TemplateID: "t1", Metadata: map[string]string{"k": "v"}}
	tagged := orig.WithMetadata(MetadataVariantID, "b")

	assert.Equal(t, "b", tagged.Metadata[MetadataVariantID])
	assert.Equal(t, "v", tagged.Metadata["k"])
	_, leaked := orig.Metadata[MetadataVariantID]
	assert.False(t, leaked)
}
