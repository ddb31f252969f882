package optimizer

import (
	openai "github.com/sashabaranov/go-openai"
)

// modelProfile is a coarse relative profile of a chat model.
// Latency and price are relative to gpt-4 (1.0).
type modelProfile struct {
	Model   string
	Latency float64
	Price   float64
	Quality float64
}

var catalog = []modelProfile{
	{Model: openai.GPT4, Latency: 1.0, Price: 1.0, Quality: 0.92},
	{Model: openai.GPT4Turbo, Latency: 0.6, Price: 0.33, Quality: 0.92},
	{Model: openai.GPT4o, Latency: 0.4, Price: 0.08, Quality: 0.93},
	{Model: openai.GPT4oMini, Latency: 0.3, Price: 0.005, Quality: 0.85},
	{Model: openai.GPT3Dot5Turbo, Latency: 0.25, Price: 0.017, Quality: 0.75},
}

func lookupModel(model string) (modelProfile, bool) {
	for _, p := range catalog {
		if p.Model == model {
			return p, true
		}
	}
	return modelProfile{}, false
}

// fasterModel returns the fastest catalog model that keeps at least the
// quality of model. Unknown models have no alternative.
func fasterModel(model string) (modelProfile, modelProfile, bool) {
	cur, ok := lookupModel(model)
	if !ok {
		return modelProfile{}, modelProfile{}, false
	}
	best, found := cur, false
	for _, p := range catalog {
		if p.Quality >= cur.Quality && p.Latency < best.Latency {
			best, found = p, true
		}
	}
	return cur, best, found
}

// cheaperModel returns the cheapest catalog model whose quality is at least
// minQuality.
func cheaperModel(model string, minQuality float64) (modelProfile, modelProfile, bool) {
	cur, ok := lookupModel(model)
	if !ok {
		return modelProfile{}, modelProfile{}, false
	}
	best, found := cur, false
	for _, p := range catalog {
		if p.Quality >= minQuality && p.Price < best.Price {
			best, found = p, true
		}
	}
	return cur, best, found
}
