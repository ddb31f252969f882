package optimizer

import (
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Config configures the optimization engine.
type Config struct {
	MaxPromptTokens        int     // Estimated prompt tokens (chars/4) above which length is flagged (default: 2000)
	TargetResponseTimeMs   float64 // Average latency above this suggests a faster model (default: 2000)
	TargetSuccessRate      float64 // Success rate below this suggests a fallback strategy (default: 0.95)
	HighTokenUsage         float64 // Average tokens per execution considered high (default: 2000)
	HighVolume             int     // Executions in the report window considered high volume (default: 1000)
	CacheableThreshold     float64 // Estimated cacheable fraction needed for a caching recommendation (default: 0.5)
	QualityDowngradeScore  float64 // Quality score above which a cheaper model is suggested (default: 0.9)
	AnomalyClusterSize     int     // High-severity anomalies in AnomalyWindow that trigger tuning (default: 3)
	AnomalyWindow          time.Duration
	ProjectionConservatism float64 // Multiplier on the weakest confidence of a projection (default: 0.8)
	HistoryLimit           int     // Analyses kept per template (default: 100)
	// CurrentModel is the model templates run on unless a model change was applied.
	CurrentModel string
	// AutoApply applies auto-applicable recommendations during analysis.
	AutoApply bool
}

// DefaultConfig returns default optimization engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxPromptTokens:        2000,
		TargetResponseTimeMs:   2000,
		TargetSuccessRate:      0.95,
		HighTokenUsage:         2000,
		HighVolume:             1000,
		CacheableThreshold:     0.5,
		QualityDowngradeScore:  0.9,
		AnomalyClusterSize:     3,
		AnomalyWindow:          24 * time.Hour,
		ProjectionConservatism: 0.8,
		HistoryLimit:           100,
		CurrentModel:           openai.GPT4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPromptTokens <= 0 {
		c.MaxPromptTokens = d.MaxPromptTokens
	}
	if c.TargetResponseTimeMs <= 0 {
		c.TargetResponseTimeMs = d.TargetResponseTimeMs
	}
	if c.TargetSuccessRate <= 0 || c.TargetSuccessRate > 1 {
		c.TargetSuccessRate = d.TargetSuccessRate
	}
	if c.HighTokenUsage <= 0 {
		c.HighTokenUsage = d.HighTokenUsage
	}
	if c.HighVolume <= 0 {
		c.HighVolume = d.HighVolume
	}
	if c.CacheableThreshold <= 0 || c.CacheableThreshold > 1 {
		c.CacheableThreshold = d.CacheableThreshold
	}
	if c.QualityDowngradeScore <= 0 || c.QualityDowngradeScore > 1 {
		c.QualityDowngradeScore = d.QualityDowngradeScore
	}
	if c.AnomalyClusterSize <= 0 {
		c.AnomalyClusterSize = d.AnomalyClusterSize
	}
	if c.AnomalyWindow <= 0 {
		c.AnomalyWindow = d.AnomalyWindow
	}
	if c.ProjectionConservatism <= 0 || c.ProjectionConservatism > 1 {
		c.ProjectionConservatism = d.ProjectionConservatism
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.CurrentModel == "" {
		c.CurrentModel = d.CurrentModel
	}
	return c
}
