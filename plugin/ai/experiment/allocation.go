package experiment

import (
	"hash/fnv"
)

// pickWeighted walks cumulative weights and returns the first variant whose
// cumulative weight exceeds point, a value in [0,100).
func pickWeighted(variants []Variant, point float64) Variant {
	var cumulative float64
	for _, v := range variants {
		cumulative += v.Weight
		if point < cumulative {
			return v
		}
	}
	return variants[len(variants)-1]
}

// hashBucket maps subject and test to a stable bucket in [0,100).
func hashBucket(subjectID, testID string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID + testID))
	return float64(h.Sum32() % 100)
}

// pickRoundRobin returns the variant with the largest deficit between its
// target share of the next assignment and its assignments so far.
func pickRoundRobin(variants []Variant, counts map[string]int) Variant {
	total := 0
	for _, c := range counts {
		total += c
	}

	best := variants[0]
	bestDeficit := -1.0e18
	for _, v := range variants {
		deficit := v.Weight/100*float64(total+1) - float64(counts[v.ID])
		if deficit > bestDeficit {
			best, bestDeficit = v, deficit
		}
	}
	return best
}

// allocate picks a variant for a first-time subject under policy.
func allocate(policy AllocationPolicy, variants []Variant, subjectID, testID string, counts map[string]int, random func() float64) Variant {
	switch policy {
	case AllocationDeterministicHash:
		return pickWeighted(variants, hashBucket(subjectID, testID))
	case AllocationRoundRobin:
		return pickRoundRobin(variants, counts)
	default:
		return pickWeighted(variants, random()*100)
	}
}
