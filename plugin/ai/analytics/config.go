package analytics

import "time"

// Config configures the analytics service.
type Config struct {
	RealTimeAnalysis      bool          // Detect anomalies as records arrive (default: true)
	MinBaselineExecutions int           // Prior executions required before anomaly detection (default: 10)
	BaselineWindow        int           // Most recent prior executions used as baseline (default: 100)
	AnomalyThreshold      float64       // Standard deviations before a value is anomalous (default: 2)
	TrendInterval         time.Duration // Trend bucket width (default: 1 hour)
	RetentionPeriod       time.Duration // How long to keep records (default: 30 days)
	RetentionInterval     time.Duration // How often to prune (default: 1 hour)
	MaxRecordsPerTemplate int           // Hard cap per template buffer (default: 10000)

	TargetResponseTimeMs   float64 // default: 2000
	TargetSuccessRate      float64 // default: 0.95
	TargetCostPerExecution float64 // default: 0.05
}

// DefaultConfig returns default analytics configuration.
func DefaultConfig() Config {
	return Config{
		RealTimeAnalysis:       true,
		MinBaselineExecutions:  10,
		BaselineWindow:         100,
		AnomalyThreshold:       2,
		TrendInterval:          time.Hour,
		RetentionPeriod:        30 * 24 * time.Hour,
		RetentionInterval:      time.Hour,
		MaxRecordsPerTemplate:  10000,
		TargetResponseTimeMs:   2000,
		TargetSuccessRate:      0.95,
		TargetCostPerExecution: 0.05,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinBaselineExecutions <= 0 {
		c.MinBaselineExecutions = d.MinBaselineExecutions
	}
	if c.BaselineWindow <= 0 {
		c.BaselineWindow = d.BaselineWindow
	}
	if c.AnomalyThreshold <= 0 {
		c.AnomalyThreshold = d.AnomalyThreshold
	}
	if c.TrendInterval <= 0 {
		c.TrendInterval = d.TrendInterval
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = d.RetentionPeriod
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = d.RetentionInterval
	}
	if c.MaxRecordsPerTemplate <= 0 {
		c.MaxRecordsPerTemplate = d.MaxRecordsPerTemplate
	}
	if c.TargetResponseTimeMs <= 0 {
		c.TargetResponseTimeMs = d.TargetResponseTimeMs
	}
	if c.TargetSuccessRate <= 0 {
		c.TargetSuccessRate = d.TargetSuccessRate
	}
	if c.TargetCostPerExecution <= 0 {
		c.TargetCostPerExecution = d.TargetCostPerExecution
	}
	return c
}
