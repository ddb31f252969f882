package server

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hrygo/promptlab/internal/observability"
	"github.com/hrygo/promptlab/internal/profile"
	"github.com/hrygo/promptlab/plugin/ai/analytics"
	"github.com/hrygo/promptlab/plugin/ai/events"
	"github.com/hrygo/promptlab/plugin/ai/experiment"
	"github.com/hrygo/promptlab/plugin/ai/optimizer"
	"github.com/hrygo/promptlab/plugin/ai/telemetry"
	"github.com/hrygo/promptlab/store"
)

// Components are the engine parts sharing one event bus and metric registry.
type Components struct {
	Bus         *events.Bus
	Metrics     *observability.Metrics
	Registry    *telemetry.Registry
	Analytics   *analytics.Service
	Experiments *experiment.Manager
	Optimizer   *optimizer.Engine
}

// NewComponents builds the analytics service, experiment manager and
// optimization engine from the profile. A nil store keeps experiments in
// memory only; otherwise persisted experiments are restored before returning.
func NewComponents(ctx context.Context, p *profile.Profile, st *store.Store, reg prometheus.Registerer, logger *slog.Logger) *Components {
	bus := events.NewBus()
	metrics := observability.NewMetrics(reg)
	registry := telemetry.NewRegistry()

	analyticsService := analytics.NewService(AnalyticsConfig(p), bus,
		analytics.WithLogger(logger),
		analytics.WithMetrics(metrics),
		analytics.WithRegistry(registry),
	)

	experimentOpts := []experiment.Option{
		experiment.WithLogger(logger),
		experiment.WithMetrics(metrics),
	}
	if st != nil {
		experimentOpts = append(experimentOpts, experiment.WithStore(st))
	}
	manager := experiment.NewManager(ExperimentConfig(p), bus, experimentOpts...)
	if st != nil {
		restored := manager.LoadPersisted(ctx)
		logger.InfoContext(ctx, "experiments restored", observability.LogFieldCount, restored)
	}

	engine := optimizer.NewEngine(OptimizerConfig(p), bus,
		optimizer.WithLogger(logger),
		optimizer.WithMetrics(metrics),
		optimizer.WithRegistry(registry),
		optimizer.WithReports(analyticsService),
		optimizer.WithExperiments(manager),
	)

	return &Components{
		Bus:         bus,
		Metrics:     metrics,
		Registry:    registry,
		Analytics:   analyticsService,
		Experiments: manager,
		Optimizer:   engine,
	}
}

// Close stops background work and the event bus.
func (c *Components) Close() {
	c.Experiments.Close()
	c.Analytics.Destroy()
	c.Bus.Close()
}

// AnalyticsConfig maps the profile onto the analytics service configuration.
func AnalyticsConfig(p *profile.Profile) analytics.Config {
	cfg := analytics.DefaultConfig()
	a := p.Analytics
	cfg.RealTimeAnalysis = a.RealTimeAnalysis
	if a.MinBaselineExecutions > 0 {
		cfg.MinBaselineExecutions = a.MinBaselineExecutions
	}
	if a.AnomalyThreshold > 0 {
		cfg.AnomalyThreshold = a.AnomalyThreshold
	}
	if a.RetentionPeriod > 0 {
		cfg.RetentionPeriod = a.RetentionPeriod
	}
	if a.TargetResponseTimeMs > 0 {
		cfg.TargetResponseTimeMs = a.TargetResponseTimeMs
	}
	if a.TargetSuccessRate > 0 {
		cfg.TargetSuccessRate = a.TargetSuccessRate
	}
	if a.TargetCostPerExecution > 0 {
		cfg.TargetCostPerExecution = a.TargetCostPerExecution
	}
	return cfg
}

// ExperimentConfig maps the profile onto the experiment manager configuration.
func ExperimentConfig(p *profile.Profile) experiment.Config {
	cfg := experiment.DefaultConfig()
	e := p.Experiment
	if e.AllocationPolicy != "" {
		cfg.AllocationPolicy = experiment.AllocationPolicy(e.AllocationPolicy)
	}
	cfg.MinimumDuration = e.MinimumDuration
	if e.MonitorInterval > 0 {
		cfg.MonitorInterval = e.MonitorInterval
	}
	cfg.AutoOptimize = e.AutoOptimize
	cfg.BanditEnabled = e.BanditEnabled
	if e.BanditMinObservations > 0 {
		cfg.BanditMinObservations = e.BanditMinObservations
	}
	return cfg
}

// OptimizerConfig maps the profile onto the optimization engine configuration.
func OptimizerConfig(p *profile.Profile) optimizer.Config {
	cfg := optimizer.DefaultConfig()
	o := p.Optimizer
	if o.MaxPromptTokens > 0 {
		cfg.MaxPromptTokens = o.MaxPromptTokens
	}
	if o.CurrentModel != "" {
		cfg.CurrentModel = o.CurrentModel
	}
	if o.HistoryLimit > 0 {
		cfg.HistoryLimit = o.HistoryLimit
	}
	cfg.AutoApply = o.AutoApply
	// Performance targets are shared with analytics.
	if p.Analytics.TargetResponseTimeMs > 0 {
		cfg.TargetResponseTimeMs = p.Analytics.TargetResponseTimeMs
	}
	if p.Analytics.TargetSuccessRate > 0 {
		cfg.TargetSuccessRate = p.Analytics.TargetSuccessRate
	}
	return cfg
}
