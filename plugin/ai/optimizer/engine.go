package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	aierrors "github.com/hrygo/promptlab/internal/errors"
	"github.com/hrygo/promptlab/internal/observability"
	"github.com/hrygo/promptlab/plugin/ai/analytics"
	"github.com/hrygo/promptlab/plugin/ai/events"
	"github.com/hrygo/promptlab/plugin/ai/experiment"
	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

const (
	tracerName       = "github.com/hrygo/promptlab/plugin/ai/optimizer"
	promotionWorkers = 4
)

// ReportSource produces performance reports. *analytics.Service satisfies it.
type ReportSource interface {
	GenerateReport(ctx context.Context, templateID string, start, end *time.Time) (*analytics.PerformanceReport, error)
}

// ExperimentSource exposes experiment outcomes. *experiment.Manager satisfies it.
type ExperimentSource interface {
	ActiveTestsForTemplate(templateID string) []*experiment.Experiment
	AnalyzeTestResults(testID string) (*experiment.Result, error)
}

// Engine produces and applies optimization recommendations.
// Thread Safety: Safe for concurrent use. The engine only reads analytics
// and experiment state.
type Engine struct {
	cfg         Config
	reports     ReportSource
	experiments ExperimentSource
	registry    *telemetry.Registry
	bus         *events.Bus
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
	now         func() time.Time

	mu         sync.RWMutex
	patterns   []Pattern
	strategies []*Strategy
	appliers   map[RecommendationType]Applier
	overrides  map[string]map[string]string
	history    map[string][]*Result
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithReports sets the source of performance reports used when
// AnalyzeTemplate is called without one.
func WithReports(r ReportSource) Option {
	return func(e *Engine) { e.reports = r }
}

// WithExperiments enables experiment promotion.
func WithExperiments(x ExperimentSource) Option {
	return func(e *Engine) { e.experiments = x }
}

// WithRegistry sets the metric registry used for metric directions.
func WithRegistry(r *telemetry.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithApplier replaces the applier for one recommendation type. A nil
// applier removes it.
func WithApplier(t RecommendationType, a Applier) Option {
	return func(e *Engine) {
		if a == nil {
			delete(e.appliers, t)
			return
		}
		e.appliers[t] = a
	}
}

// NewEngine creates an optimization engine with the built-in prompt patterns.
// Parameter tuning, model change and fallback recommendations are applied by
// recording their changes as template overrides unless replaced with WithApplier.
func NewEngine(cfg Config, bus *events.Bus, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg.withDefaults(),
		bus:       bus,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		patterns:  defaultPatterns(),
		appliers:  make(map[RecommendationType]Applier),
		overrides: make(map[string]map[string]string),
		history:   make(map[string][]*Result),
	}
	for _, t := range []RecommendationType{TypeParameterTuning, TypeModelChange, TypeFallbackStrategy} {
		e.appliers[t] = ApplierFunc(e.overrideApplier)
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = telemetry.NewRegistry()
	}
	return e
}

// AnalyzeTemplate runs static, performance, cost, strategy and experiment
// analysis for tpl and returns the ranked recommendations with projections.
// A nil report is generated from the report source when one is configured;
// templates without telemetry get static analysis only.
func (e *Engine) AnalyzeTemplate(ctx context.Context, tpl telemetry.PromptTemplate, report *analytics.PerformanceReport) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "optimizer.analyze_template",
		trace.WithAttributes(attribute.String("template.id", tpl.ID)))
	defer span.End()
	defer e.metrics.ObserveDuration("analyze_template", time.Now())

	if tpl.ID == "" {
		return nil, aierrors.InvalidArgument("template id is required")
	}
	if report == nil && e.reports != nil {
		r, err := e.reports.GenerateReport(ctx, tpl.ID, nil, nil)
		switch {
		case err == nil:
			report = r
		case aierrors.IsCode(err, aierrors.ErrCodeNotFound):
			e.logger.DebugContext(ctx, "no telemetry for template", observability.LogFieldTemplateID, tpl.ID)
		default:
			return nil, err
		}
	}

	e.mu.RLock()
	patterns := append([]Pattern(nil), e.patterns...)
	strategies := append([]*Strategy(nil), e.strategies...)
	e.mu.RUnlock()

	recs := e.staticRecommendations(tpl, patterns, report)
	recs = append(recs, e.performanceRecommendations(tpl.ID, report)...)
	recs = append(recs, e.costRecommendations(tpl, report)...)
	recs = append(recs, e.strategyRecommendations(ctx, strategies, report)...)
	promoted, err := e.promotionRecommendations(ctx, tpl.ID)
	if err != nil {
		return nil, err
	}
	recs = append(recs, promoted...)

	for i := range recs {
		if recs[i].ID == "" {
			recs[i].ID = shortuuid.New()
		}
		e.metrics.RecordRecommendation(string(recs[i].Type), string(recs[i].Priority))
	}
	rank(recs)

	result := &Result{
		TemplateID:      tpl.ID,
		Recommendations: recs,
		Applied:         make([]string, 0),
		Failed:          make([]AutomationFailure, 0),
		Projected:       project(recs, e.registry, e.cfg.ProjectionConservatism),
		AnalyzedAt:      e.now(),
	}
	if e.cfg.AutoApply {
		automation, err := e.ApplyOptimizations(ctx, tpl.ID, recs)
		if err != nil {
			return nil, err
		}
		result.Applied = automation.Applied
		result.Failed = automation.Failed
	}
	e.remember(result)

	top := ""
	if len(recs) > 0 {
		top = string(recs[0].Priority)
	}
	e.logger.InfoContext(ctx, "template analyzed",
		observability.LogFieldTemplateID, tpl.ID,
		observability.LogFieldCount, len(recs),
	)
	e.bus.Publish(events.OptimizationAnalyzed{TemplateID: tpl.ID, Recommendations: len(recs), TopPriority: top})
	return cloneResult(result), nil
}

// strategyRecommendations contributes the recommendations of every strategy
// whose conditions hold against report.
func (e *Engine) strategyRecommendations(ctx context.Context, strategies []*Strategy, report *analytics.PerformanceReport) []Recommendation {
	if report == nil || len(strategies) == 0 {
		return nil
	}
	metrics := reportMetrics(report)
	var recs []Recommendation
	for _, s := range strategies {
		ok, err := s.applies(metrics)
		if err != nil {
			e.logger.DebugContext(ctx, "strategy not evaluable", "strategy", s.ID, observability.ErrAttr(err))
			continue
		}
		if !ok {
			continue
		}
		for _, r := range s.Recommendations {
			r = r.clone()
			r.Source = SourceStrategy
			r.StrategyID = s.ID
			recs = append(recs, r)
		}
	}
	return recs
}

// promotionRecommendations analyzes every running experiment on templateID
// in parallel and proposes switching to each non-control winner.
func (e *Engine) promotionRecommendations(ctx context.Context, templateID string) ([]Recommendation, error) {
	if e.experiments == nil {
		return nil, nil
	}
	tests := e.experiments.ActiveTestsForTemplate(templateID)
	found := make([]*Recommendation, len(tests))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(promotionWorkers)
	for i, exp := range tests {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result, err := e.experiments.AnalyzeTestResults(exp.ID)
			if err != nil {
				if aierrors.IsCode(err, aierrors.ErrCodeNotFound) {
					return nil
				}
				return err
			}
			found[i] = promotion(exp, result)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	recs := make([]Recommendation, 0, len(found))
	for _, r := range found {
		if r != nil {
			recs = append(recs, *r)
		}
	}
	return recs, nil
}

func promotion(exp *experiment.Experiment, result *experiment.Result) *Recommendation {
	if result.Status != experiment.ResultWinnerFound {
		return nil
	}
	winner, ok := exp.Variant(result.WinnerVariantID)
	if !ok || winner.IsControl {
		return nil
	}
	control, _ := exp.Control()
	cs := result.Variants[control.ID]
	def, _ := telemetry.Builtin(exp.TargetMetric)

	changes := []SuggestedChange{{
		Target:      "template_version",
		From:        control.TemplateVersion,
		To:          winner.TemplateVersion,
		Description: fmt.Sprintf("promote variant %q", winner.Name),
	}}
	if winner.TemplateID != control.TemplateID {
		changes = append(changes, SuggestedChange{Target: "template", From: control.TemplateID, To: winner.TemplateID})
	}

	pct := result.Improvement()
	return &Recommendation{
		Type:        TypePromptRefinement,
		Priority:    telemetry.SeverityHigh,
		Title:       fmt.Sprintf("Promote experiment winner %q", winner.Name),
		Description: fmt.Sprintf("Experiment %q found a variant that outperforms the control on %s.", exp.Name, exp.TargetMetric),
		Rationale: fmt.Sprintf("Improvement of %.1f%% over control with %.1f%% significance.",
			pct, result.StatisticalSignificance*100),
		ExpectedImpact: []Impact{
			impact(telemetry.ReportMetricFor(exp.TargetMetric), cs.Mean, pct, def.LowerIsBetter()),
		},
		SuggestedChanges: changes,
		Effort:           EffortLow,
		AutoApplicable:   true,
		Confidence:       math.Max(0, math.Min(1, result.StatisticalSignificance)),
		Source:           SourceExperiment,
	}
}

// RegisterOptimizationStrategy adds a strategy used by later analyses.
// Strategies without an ID get one.
func (e *Engine) RegisterOptimizationStrategy(s Strategy) (*Strategy, error) {
	if s.ID == "" {
		s.ID = shortuuid.New()
	}
	s.Recommendations = append([]Recommendation(nil), s.Recommendations...)
	if err := s.compile(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	for _, existing := range e.strategies {
		if existing.ID == s.ID {
			e.mu.Unlock()
			return nil, aierrors.InvalidArgument("strategy %q is already registered", s.ID)
		}
	}
	e.strategies = append(e.strategies, &s)
	e.mu.Unlock()

	e.logger.Info("optimization strategy registered", "strategy", s.ID, "name", s.Name)
	e.bus.Publish(events.StrategyRegistered{StrategyID: s.ID, Name: s.Name})
	return &s, nil
}

// RegisterPromptPattern adds a pattern used by later static analyses.
func (e *Engine) RegisterPromptPattern(p Pattern) error {
	if err := p.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	for _, existing := range e.patterns {
		if existing.Name == p.Name {
			e.mu.Unlock()
			return aierrors.InvalidArgument("pattern %q is already registered", p.Name)
		}
	}
	e.patterns = append(e.patterns, p)
	e.mu.Unlock()

	e.logger.Info("prompt pattern registered", "pattern", p.Name)
	e.bus.Publish(events.PatternRegistered{Name: p.Name})
	return nil
}

// Patterns returns the names of the registered prompt patterns.
func (e *Engine) Patterns() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.patterns))
	for _, p := range e.patterns {
		names = append(names, p.Name)
	}
	return names
}

// OptimizationHistory returns past analyses of templateID, oldest first.
func (e *Engine) OptimizationHistory(templateID string) []*Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	hist := e.history[templateID]
	out := make([]*Result, 0, len(hist))
	for _, r := range hist {
		out = append(out, cloneResult(r))
	}
	return out
}

func (e *Engine) remember(r *Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := append(e.history[r.TemplateID], r)
	if over := len(hist) - e.cfg.HistoryLimit; over > 0 {
		hist = append([]*Result(nil), hist[over:]...)
	}
	e.history[r.TemplateID] = hist
}

func cloneResult(r *Result) *Result {
	out := *r
	out.Recommendations = make([]Recommendation, 0, len(r.Recommendations))
	for _, rec := range r.Recommendations {
		out.Recommendations = append(out.Recommendations, rec.clone())
	}
	out.Applied = slices.Clone(r.Applied)
	out.Failed = slices.Clone(r.Failed)
	out.Projected = maps.Clone(r.Projected)
	return &out
}
