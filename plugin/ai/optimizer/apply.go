package optimizer

import (
	"context"
	"fmt"
	"maps"

	aierrors "github.com/hrygo/promptlab/internal/errors"
	"github.com/hrygo/promptlab/internal/observability"
	"github.com/hrygo/promptlab/plugin/ai/events"
)

// Applier performs the side effect of one recommendation type.
type Applier interface {
	Apply(ctx context.Context, templateID string, rec Recommendation) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, templateID string, rec Recommendation) error

// Apply calls f.
func (f ApplierFunc) Apply(ctx context.Context, templateID string, rec Recommendation) error {
	return f(ctx, templateID, rec)
}

// overrideApplier records the suggested changes as per-template settings
// that the execution pipeline reads back through Engine.Overrides.
func (e *Engine) overrideApplier(_ context.Context, templateID string, rec Recommendation) error {
	if len(rec.SuggestedChanges) == 0 {
		return aierrors.AutomationFailed(fmt.Sprintf("recommendation %s has no concrete changes", rec.ID), nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	settings, ok := e.overrides[templateID]
	if !ok {
		settings = make(map[string]string)
		e.overrides[templateID] = settings
	}
	for _, c := range rec.SuggestedChanges {
		settings[c.Target] = c.To
	}
	return nil
}

// ApplyOptimizations applies every auto-applicable recommendation through the
// applier registered for its type. Recommendations that are not
// auto-applicable or have no applier are skipped. A failing or panicking
// applier is recorded and the batch continues.
func (e *Engine) ApplyOptimizations(ctx context.Context, templateID string, recs []Recommendation) (*Automation, error) {
	if templateID == "" {
		return nil, aierrors.InvalidArgument("template id is required")
	}
	out := &Automation{
		Applied: make([]string, 0),
		Failed:  make([]AutomationFailure, 0),
		Skipped: make([]string, 0),
	}

	for _, rec := range recs {
		applier := e.applier(rec.Type)
		if !rec.AutoApplicable || applier == nil {
			out.Skipped = append(out.Skipped, rec.ID)
			e.metrics.RecordAutomation("skipped")
			continue
		}
		if err := safeApply(ctx, applier, templateID, rec); err != nil {
			out.Failed = append(out.Failed, AutomationFailure{RecommendationID: rec.ID, Error: err.Error()})
			e.metrics.RecordAutomation("failed")
			e.logger.WarnContext(ctx, "optimization failed to apply",
				observability.LogFieldTemplateID, templateID,
				observability.LogFieldRecommendationID, rec.ID,
				observability.ErrAttr(err),
			)
			continue
		}
		out.Applied = append(out.Applied, rec.ID)
		e.metrics.RecordAutomation("applied")
	}

	failed := make([]string, 0, len(out.Failed))
	for _, f := range out.Failed {
		failed = append(failed, f.RecommendationID)
	}
	e.logger.InfoContext(ctx, "optimizations applied",
		observability.LogFieldTemplateID, templateID,
		"applied", len(out.Applied),
		"failed", len(out.Failed),
		"skipped", len(out.Skipped),
	)
	e.bus.Publish(events.OptimizationApplied{
		TemplateID: templateID,
		Applied:    out.Applied,
		Failed:     failed,
		Skipped:    out.Skipped,
	})
	return out, nil
}

func safeApply(ctx context.Context, applier Applier, templateID string, rec Recommendation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = aierrors.AutomationFailed(fmt.Sprintf("applier panicked: %v", r), nil)
		}
	}()
	return applier.Apply(ctx, templateID, rec)
}

func (e *Engine) applier(t RecommendationType) Applier {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.appliers[t]
}

// Overrides returns the settings applied to templateID so far.
func (e *Engine) Overrides(templateID string) map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.overrides[templateID])
}

func (e *Engine) currentModel(templateID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if m := e.overrides[templateID]["model"]; m != "" {
		return m
	}
	return e.cfg.CurrentModel
}
