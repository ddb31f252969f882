// Package events is the notification stream of the prompt engine: a closed set
// of event kinds, each with its own payload type, dispatched to subscribers.
package events

import (
	"time"

	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

// Kind identifies the type of event.
type Kind string

const (
	KindExecutionRecorded       Kind = "execution_recorded"
	KindAnomaliesDetected       Kind = "anomalies_detected"
	KindMetricRegistered        Kind = "metric_registered"
	KindExperimentCreated       Kind = "experiment_created"
	KindExperimentStarted       Kind = "experiment_started"
	KindExperimentPaused        Kind = "experiment_paused"
	KindExperimentCompleted     Kind = "experiment_completed"
	KindExperimentAutoOptimized Kind = "experiment_auto_optimized"
	KindTrafficAdjusted         Kind = "traffic_adjusted"
	KindStrategyRegistered      Kind = "strategy_registered"
	KindPatternRegistered       Kind = "pattern_registered"
	KindOptimizationAnalyzed    Kind = "optimization_analyzed"
	KindOptimizationApplied     Kind = "optimization_applied"
	KindStorageError            Kind = "storage_error"
)

// Payload is implemented only by the payload types of this package,
// so a type switch over Payload is exhaustive over the kinds above.
type Payload interface {
	Kind() Kind
	sealed()
}

// Event is one published notification.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// ExecutionRecorded is published after a record is appended to a template buffer.
type ExecutionRecorded struct {
	TemplateID string                    `json:"templateId"`
	Record     telemetry.ExecutionRecord `json:"record"`
}

// AnomaliesDetected is published when real-time analysis flags a record.
type AnomaliesDetected struct {
	TemplateID string              `json:"templateId"`
	Anomalies  []telemetry.Anomaly `json:"anomalies"`
}

// MetricRegistered is published when a custom metric is added.
type MetricRegistered struct {
	Name      string              `json:"name"`
	Unit      string              `json:"unit"`
	Direction telemetry.Direction `json:"direction"`
}

// ExperimentCreated is published when an experiment is defined.
type ExperimentCreated struct {
	ExperimentID string `json:"experimentId"`
	Name         string `json:"name"`
	TargetMetric string `json:"targetMetric"`
	Variants     int    `json:"variants"`
}

// ExperimentStarted is published when an experiment enters running.
type ExperimentStarted struct {
	ExperimentID string `json:"experimentId"`
	Resumed      bool   `json:"resumed"`
}

// ExperimentPaused is published when a running experiment is paused.
type ExperimentPaused struct {
	ExperimentID string `json:"experimentId"`
}

// ExperimentCompleted is published once per experiment, on completion.
type ExperimentCompleted struct {
	ExperimentID    string `json:"experimentId"`
	ResultStatus    string `json:"resultStatus"`
	WinnerVariantID string `json:"winnerVariantId,omitempty"`
}

// ExperimentAutoOptimized is published when a background or inline check
// found a winner and completed the experiment on its own.
type ExperimentAutoOptimized struct {
	ExperimentID    string  `json:"experimentId"`
	WinnerVariantID string  `json:"winnerVariantId"`
	Improvement     float64 `json:"improvement"`
	Significance    float64 `json:"significance"`
}

// TrafficAdjusted is published after a bandit reallocation.
type TrafficAdjusted struct {
	ExperimentID string             `json:"experimentId"`
	Weights      map[string]float64 `json:"weights"`
}

// StrategyRegistered is published when an optimization strategy is added.
type StrategyRegistered struct {
	StrategyID string `json:"strategyId"`
	Name       string `json:"name"`
}

// PatternRegistered is published when a prompt pattern is added.
type PatternRegistered struct {
	Name string `json:"name"`
}

// OptimizationAnalyzed is published after a template analysis.
type OptimizationAnalyzed struct {
	TemplateID      string `json:"templateId"`
	Recommendations int    `json:"recommendations"`
	TopPriority     string `json:"topPriority,omitempty"`
}

// OptimizationApplied is published after a batch of automations ran.
type OptimizationApplied struct {
	TemplateID string   `json:"templateId"`
	Applied    []string `json:"applied"`
	Failed     []string `json:"failed"`
	Skipped    []string `json:"skipped"`
}

// StorageError is published when the persistence adapter fails.
type StorageError struct {
	Operation    string `json:"operation"`
	ExperimentID string `json:"experimentId,omitempty"`
	Error        string `json:"error"`
}

func (ExecutionRecorded) Kind() Kind       { return KindExecutionRecorded }
func (AnomaliesDetected) Kind() Kind       { return KindAnomaliesDetected }
func (MetricRegistered) Kind() Kind        { return KindMetricRegistered }
func (ExperimentCreated) Kind() Kind       { return KindExperimentCreated }
func (ExperimentStarted) Kind() Kind       { return KindExperimentStarted }
func (ExperimentPaused) Kind() Kind        { return KindExperimentPaused }
func (ExperimentCompleted) Kind() Kind     { return KindExperimentCompleted }
func (ExperimentAutoOptimized) Kind() Kind { return KindExperimentAutoOptimized }
func (TrafficAdjusted) Kind() Kind         { return KindTrafficAdjusted }
func (StrategyRegistered) Kind() Kind      { return KindStrategyRegistered }
func (PatternRegistered) Kind() Kind       { return KindPatternRegistered }
func (OptimizationAnalyzed) Kind() Kind    { return KindOptimizationAnalyzed }
func (OptimizationApplied) Kind() Kind     { return KindOptimizationApplied }
func (StorageError) Kind() Kind            { return KindStorageError }

func (ExecutionRecorded) sealed()       {}
func (AnomaliesDetected) sealed()       {}
func (MetricRegistered) sealed()        {}
func (ExperimentCreated) sealed()       {}
func (ExperimentStarted) sealed()       {}
func (ExperimentPaused) sealed()        {}
func (ExperimentCompleted) sealed()     {}
func (ExperimentAutoOptimized) sealed() {}
func (TrafficAdjusted) sealed()         {}
func (StrategyRegistered) sealed()      {}
func (PatternRegistered) sealed()       {}
func (OptimizationAnalyzed) sealed()    {}
func (OptimizationApplied) sealed()     {}
func (StorageError) sealed()            {}
