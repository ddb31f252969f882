package experiment

import (
	"math"
	"time"

	"github.com/go-playground/validator/v10"

	aierrors "github.com/hrygo/promptlab/internal/errors"
	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

// Config configures the experiment manager.
type Config struct {
	AllocationPolicy      AllocationPolicy
	MinimumDuration       time.Duration // Running time before a winner may be declared (default: 24 hours)
	MonitorInterval       time.Duration // Background winner/bandit check period (default: 1 hour)
	AutoOptimize          bool          // Complete experiments as soon as a winner is found
	BanditEnabled         bool          // Reallocate traffic while no winner exists
	BanditMinObservations int           // Observations before a variant is scored (default: 30)
	MinWeight             float64       // Bandit weight floor (default: 5)
	MaxWeight             float64       // Bandit weight ceiling (default: 95)

	SaveQueueSize int           // Pending store writes before new ones are dropped (default: 256)
	SaveRate      float64       // Store writes per second (default: 20)
	StoreTimeout  time.Duration // Per write timeout (default: 5 seconds)
}

// DefaultConfig returns default experiment manager configuration.
func DefaultConfig() Config {
	return Config{
		AllocationPolicy:      AllocationWeightedRandom,
		MinimumDuration:       24 * time.Hour,
		MonitorInterval:       time.Hour,
		BanditMinObservations: 30,
		MinWeight:             5,
		MaxWeight:             95,
		SaveQueueSize:         256,
		SaveRate:              20,
		StoreTimeout:          5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AllocationPolicy == "" {
		c.AllocationPolicy = d.AllocationPolicy
	}
	if c.MinimumDuration < 0 {
		c.MinimumDuration = 0
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.BanditMinObservations <= 0 {
		c.BanditMinObservations = d.BanditMinObservations
	}
	if c.MinWeight <= 0 || c.MaxWeight <= 0 || c.MinWeight >= c.MaxWeight {
		c.MinWeight, c.MaxWeight = d.MinWeight, d.MaxWeight
	}
	if c.SaveQueueSize <= 0 {
		c.SaveQueueSize = d.SaveQueueSize
	}
	if c.SaveRate <= 0 {
		c.SaveRate = d.SaveRate
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	return c
}

// TestConfig defines an experiment to create.
type TestConfig struct {
	Name              string          `json:"name" yaml:"name" validate:"required,max=200"`
	Description       string          `json:"description,omitempty" yaml:"description" validate:"max=2000"`
	Variants          []VariantConfig `json:"variants" yaml:"variants" validate:"required,min=2,max=20,dive"`
	TargetMetric      string          `json:"targetMetric" yaml:"targetMetric" validate:"required,oneof=success_rate response_time token_usage cost quality_score"`
	MinimumSampleSize int             `json:"minimumSampleSize" yaml:"minimumSampleSize" validate:"gte=0"`
	// ConfidenceLevel is one of 0.90, 0.95 or 0.99. Zero selects 0.95.
	ConfidenceLevel float64 `json:"confidenceLevel" yaml:"confidenceLevel"`
	CreatedBy       string  `json:"createdBy,omitempty" yaml:"createdBy"`
}

// VariantConfig defines one variant. An empty ID is generated.
type VariantConfig struct {
	ID              string  `json:"id,omitempty" yaml:"id" validate:"max=100"`
	Name            string  `json:"name" yaml:"name" validate:"required,max=100"`
	TemplateID      string  `json:"templateId" yaml:"templateId" validate:"required"`
	TemplateVersion string  `json:"templateVersion" yaml:"templateVersion"`
	Weight          float64 `json:"weight" yaml:"weight" validate:"gte=0,lte=100"`
	IsControl       bool    `json:"isControl" yaml:"isControl"`
}

const (
	defaultMinimumSampleSize = 100
	defaultConfidenceLevel   = 0.95
	weightTolerance          = 0.01
)

var validate = validator.New()

// normalize applies defaults and checks every invariant of a new experiment.
func (c TestConfig) normalize() (TestConfig, error) {
	if c.MinimumSampleSize == 0 {
		c.MinimumSampleSize = defaultMinimumSampleSize
	}
	if c.ConfidenceLevel == 0 {
		c.ConfidenceLevel = defaultConfidenceLevel
	}

	if err := validate.Struct(c); err != nil {
		return c, aierrors.Wrap(err, aierrors.ErrCodeInvalidArgument, "invalid experiment config")
	}
	if !telemetry.IsTargetMetric(c.TargetMetric) {
		return c, aierrors.InvalidArgument("unknown target metric %q", c.TargetMetric)
	}
	if _, ok := zScores[c.ConfidenceLevel]; !ok {
		return c, aierrors.InvalidArgument("confidence level must be 0.90, 0.95 or 0.99, got %v", c.ConfidenceLevel)
	}

	controls := 0
	var sum float64
	ids := make(map[string]struct{}, len(c.Variants))
	for _, v := range c.Variants {
		if v.IsControl {
			controls++
		}
		sum += v.Weight
		if v.ID == "" {
			continue
		}
		if _, dup := ids[v.ID]; dup {
			return c, aierrors.InvalidArgument("duplicate variant id %q", v.ID)
		}
		ids[v.ID] = struct{}{}
	}
	if controls != 1 {
		return c, aierrors.InvalidArgument("experiment needs exactly one control variant, got %d", controls)
	}
	if math.Abs(sum-100) > weightTolerance {
		return c, aierrors.InvalidArgument("variant weights must sum to 100, got %.2f", sum)
	}
	return c, nil
}
