package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	executionsRecorded *prometheus.CounterVec
	anomaliesDetected  *prometheus.CounterVec
	experimentStatus   *prometheus.CounterVec
	variantAssignments *prometheus.CounterVec
	trafficAdjustments prometheus.Counter
	recommendations    *prometheus.CounterVec
	automations        *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		executionsRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promptlab_executions_recorded_total",
			Help: "Total execution records ingested",
		}, []string{"success"}),
		anomaliesDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promptlab_anomalies_detected_total",
			Help: "Total anomalies detected",
		}, []string{"metric", "severity"}),
		experimentStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promptlab_experiment_transitions_total",
			Help: "Experiment status transitions",
		}, []string{"status"}),
		variantAssignments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promptlab_variant_assignments_total",
			Help: "Fresh variant assignments by allocation policy",
		}, []string{"policy"}),
		trafficAdjustments: factory.NewCounter(prometheus.CounterOpts{
			Name: "promptlab_traffic_adjustments_total",
			Help: "Bandit traffic reallocations",
		}),
		recommendations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promptlab_recommendations_total",
			Help: "Optimization recommendations emitted",
		}, []string{"type", "priority"}),
		automations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promptlab_automations_total",
			Help: "Automated optimization outcomes",
		}, []string{"outcome"}),
		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promptlab_operation_duration_seconds",
			Help:    "Duration of analysis operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"operation"}),
	}
}

// RecordExecution counts an ingested execution record.
func (m *Metrics) RecordExecution(success bool) {
	if m == nil {
		return
	}
	m.executionsRecorded.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// RecordAnomaly counts a detected anomaly.
func (m *Metrics) RecordAnomaly(metric, severity string) {
	if m == nil {
		return
	}
	m.anomaliesDetected.WithLabelValues(metric, severity).Inc()
}

// RecordTransition counts an experiment entering status.
func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.experimentStatus.WithLabelValues(status).Inc()
}

// RecordAssignment counts a fresh (non-memoized) variant assignment.
func (m *Metrics) RecordAssignment(policy string) {
	if m == nil {
		return
	}
	m.variantAssignments.WithLabelValues(policy).Inc()
}

// RecordTrafficAdjustment counts a bandit reallocation.
func (m *Metrics) RecordTrafficAdjustment() {
	if m == nil {
		return
	}
	m.trafficAdjustments.Inc()
}

// RecordRecommendation counts an emitted recommendation.
func (m *Metrics) RecordRecommendation(recType, priority string) {
	if m == nil {
		return
	}
	m.recommendations.WithLabelValues(recType, priority).Inc()
}

// RecordAutomation counts an automation outcome: applied, skipped or failed.
func (m *Metrics) RecordAutomation(outcome string) {
	if m == nil {
		return
	}
	m.automations.WithLabelValues(outcome).Inc()
}

// ObserveDuration records how long an operation took since start.
func (m *Metrics) ObserveDuration(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
