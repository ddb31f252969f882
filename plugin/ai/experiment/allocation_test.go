package experiment

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func twoVariants(controlWeight float64) []Variant {
	return []Variant{
		{ID: "control", Weight: controlWeight, IsControl: true},
		{ID: "treatment", Weight: 100 - controlWeight},
	}
}

func TestPickWeighted(t *testing.T) {
	variants := twoVariants(50)
	assert.Equal(t, "control", pickWeighted(variants, 0).ID)
	assert.Equal(t, "control", pickWeighted(variants, 49.99).ID)
	assert.Equal(t, "treatment", pickWeighted(variants, 50).ID)
	assert.Equal(t, "treatment", pickWeighted(variants, 99.99).ID)
}

func TestHashBucket_Stable(t *testing.T) {
	for i := 0; i < 50; i++ {
		subject := fmt.Sprintf("user-%d", i)
		b := hashBucket(subject, "exp-1")
		assert.Equal(t, b, hashBucket(subject, "exp-1"))
		assert.GreaterOrEqual(t, b, 0.0)
		assert.Less(t, b, 100.0)
	}
}

func TestPickRoundRobin_TracksWeights(t *testing.T) {
	variants := twoVariants(70)
	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		v := allocate(AllocationRoundRobin, variants, fmt.Sprintf("s%d", i), "exp", counts, nil)
		counts[v.ID]++
	}
	assert.Equal(t, 7, counts["control"])
	assert.Equal(t, 3, counts["treatment"])
}

func TestAllocate_WeightedRandom(t *testing.T) {
	variants := twoVariants(50)
	fixed := func(v float64) func() float64 { return func() float64 { return v } }

	assert.Equal(t, "control", allocate(AllocationWeightedRandom, variants, "s", "exp", nil, fixed(0.3)).ID)
	assert.Equal(t, "treatment", allocate(AllocationWeightedRandom, variants, "s", "exp", nil, fixed(0.7)).ID)
}
