package analytics

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/mod/semver"

	aierrors "github.com/hrygo/promptlab/internal/errors"
	"github.com/hrygo/promptlab/internal/observability"
	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

// Window is the time range a report covers.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Summary aggregates the records of a report window.
type Summary struct {
	AvgResponseTime float64    `json:"avgResponseTime"`
	TotalExecutions int        `json:"totalExecutions"`
	SuccessRate     float64    `json:"successRate"`
	AvgTokenUsage   float64    `json:"avgTokenUsage"`
	AvgCost         float64    `json:"avgCost"`
	QualityScore    *float64   `json:"qualityScore,omitempty"`
	LastExecuted    *time.Time `json:"lastExecuted,omitempty"`
	TopProvider     string     `json:"topProvider,omitempty"`
}

// Values returns the summary keyed by report metric name. The quality score
// is present only when at least one record carried one.
func (s Summary) Values() map[string]float64 {
	values := map[string]float64{
		telemetry.MetricAvgResponseTime: s.AvgResponseTime,
		telemetry.MetricTotalExecutions: float64(s.TotalExecutions),
		telemetry.MetricSuccessRatio:    s.SuccessRate,
		telemetry.MetricAvgTokenUsage:   s.AvgTokenUsage,
		telemetry.MetricAvgCost:         s.AvgCost,
	}
	if s.QualityScore != nil {
		values[telemetry.MetricAvgQuality] = *s.QualityScore
	}
	return values
}

// TrendPoint summarizes one trend bucket.
type TrendPoint struct {
	Timestamp       time.Time `json:"timestamp"`
	Executions      int       `json:"executions"`
	AvgResponseTime float64   `json:"avgResponseTime"`
	SuccessRate     float64   `json:"successRate"`
	AvgTokenUsage   float64   `json:"avgTokenUsage"`
	AvgCost         float64   `json:"avgCost"`
}

// VersionSummary breaks the window down by template version.
type VersionSummary struct {
	Version         string  `json:"version"`
	Executions      int     `json:"executions"`
	AvgResponseTime float64 `json:"avgResponseTime"`
	SuccessRate     float64 `json:"successRate"`
	AvgCost         float64 `json:"avgCost"`
}

// Recommendation is a threshold-based finding attached to a report.
type Recommendation struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Priority    telemetry.Severity `json:"priority"`
	Metric      string             `json:"metric"`
	Current     float64            `json:"current"`
	Target      float64            `json:"target"`
}

// PerformanceReport is recomputed on demand and never persisted.
type PerformanceReport struct {
	TemplateID      string              `json:"templateId"`
	Window          Window              `json:"window"`
	Summary         Summary             `json:"summary"`
	Trends          []TrendPoint        `json:"trends"`
	Anomalies       []telemetry.Anomaly `json:"anomalies"`
	Recommendations []Recommendation    `json:"recommendations"`
	CustomMetrics   map[string]float64  `json:"customMetrics"`
	Versions        []VersionSummary    `json:"versions"`
	GeneratedAt     time.Time           `json:"generatedAt"`
}

// Metric returns a report metric by name, looking at the summary first and
// then at custom metrics.
func (r *PerformanceReport) Metric(name string) (float64, bool) {
	if v, ok := r.Summary.Values()[name]; ok {
		return v, true
	}
	v, ok := r.CustomMetrics[name]
	return v, ok
}

// GenerateReport builds the performance report of templateID over [start, end].
// Nil bounds are open. Unknown templates are a not-found error.
func (s *Service) GenerateReport(ctx context.Context, templateID string, start, end *time.Time) (*PerformanceReport, error) {
	ctx, span := s.tracer.Start(ctx, "analytics.generate_report",
		trace.WithAttributes(attribute.String("template.id", templateID)))
	defer span.End()
	defer s.metrics.ObserveDuration("generate_report", time.Now())

	if start != nil && end != nil && end.Before(*start) {
		return nil, aierrors.InvalidArgument("report window ends before it starts")
	}
	buf := s.buffer(templateID, false)
	if buf == nil {
		return nil, aierrors.NotFound("template", templateID)
	}

	records := buf.between(start, end)
	report := &PerformanceReport{
		TemplateID:      templateID,
		Window:          s.window(records, start, end),
		Summary:         summarize(records),
		Trends:          s.trends(records),
		Anomalies:       s.windowAnomalies(buf, records),
		Recommendations: make([]Recommendation, 0),
		CustomMetrics:   make(map[string]float64),
		Versions:        versionSummaries(records),
		GeneratedAt:     s.now(),
	}
	if len(records) > 0 {
		report.Recommendations = s.recommend(report.Summary)
	}
	for _, def := range s.registry.Custom() {
		report.CustomMetrics[def.Name] = def.Aggregate(records)
	}
	span.SetAttributes(attribute.Int("report.executions", len(records)))

	s.logger.DebugContext(ctx, "performance report generated",
		observability.LogFieldTemplateID, templateID,
		observability.LogFieldCount, len(records),
	)
	return report, nil
}

func (s *Service) window(records []telemetry.ExecutionRecord, start, end *time.Time) Window {
	var w Window
	switch {
	case start != nil:
		w.Start = *start
	case len(records) > 0:
		w.Start = records[0].Timestamp
	}
	if end != nil {
		w.End = *end
	} else {
		w.End = s.now()
	}
	return w
}

func summarize(records []telemetry.ExecutionRecord) Summary {
	var sum Summary
	if len(records) == 0 {
		return sum
	}

	var latency, tokens, cost, quality float64
	var successes, rated int
	providers := make(map[string]int)
	for _, r := range records {
		latency += r.ResponseTime
		tokens += float64(r.TotalTokens())
		cost += r.Cost
		if r.Success {
			successes++
		}
		if r.QualityScore != nil {
			quality += *r.QualityScore
			rated++
		}
		if r.Provider != "" {
			providers[r.Provider]++
		}
	}

	n := float64(len(records))
	sum.TotalExecutions = len(records)
	sum.AvgResponseTime = latency / n
	sum.AvgTokenUsage = tokens / n
	sum.AvgCost = cost / n
	sum.SuccessRate = float64(successes) / n
	if rated > 0 {
		q := quality / float64(rated)
		sum.QualityScore = &q
	}
	last := records[len(records)-1].Timestamp
	sum.LastExecuted = &last
	sum.TopProvider = topKey(providers)
	return sum
}

func topKey(counts map[string]int) string {
	var best string
	for k, c := range counts {
		if c > counts[best] || (c == counts[best] && k < best) {
			best = k
		}
	}
	return best
}

// trends buckets records per TrendInterval. Fewer than two records give no trend.
func (s *Service) trends(records []telemetry.ExecutionRecord) []TrendPoint {
	points := make([]TrendPoint, 0)
	if len(records) < 2 {
		return points
	}
	for _, b := range bucketize(records, s.cfg.TrendInterval) {
		sum := summarize(b.records)
		points = append(points, TrendPoint{
			Timestamp:       b.start,
			Executions:      sum.TotalExecutions,
			AvgResponseTime: sum.AvgResponseTime,
			SuccessRate:     sum.SuccessRate,
			AvgTokenUsage:   sum.AvgTokenUsage,
			AvgCost:         sum.AvgCost,
		})
	}
	return points
}

// windowAnomalies checks each record of the window against the records that preceded it.
func (s *Service) windowAnomalies(buf *templateBuffer, records []telemetry.ExecutionRecord) []telemetry.Anomaly {
	anomalies := make([]telemetry.Anomaly, 0)
	if len(records) == 0 {
		return anomalies
	}

	history := buf.before(records[len(records)-1].Timestamp.Add(time.Nanosecond), 0)
	pos := 0
	for _, r := range records {
		for pos < len(history) && history[pos].Timestamp.Before(r.Timestamp) {
			pos++
		}
		from := max(0, pos-s.cfg.BaselineWindow)
		anomalies = append(anomalies, s.detect(history[from:pos], r)...)
	}
	return anomalies
}

func (s *Service) recommend(sum Summary) []Recommendation {
	recs := make([]Recommendation, 0)
	if sum.AvgResponseTime > s.cfg.TargetResponseTimeMs {
		priority := telemetry.SeverityMedium
		if sum.AvgResponseTime > 2*s.cfg.TargetResponseTimeMs {
			priority = telemetry.SeverityHigh
		}
		recs = append(recs, Recommendation{
			Title:       "Reduce latency",
			Description: "Average response time is above target; consider a faster model, shorter prompts or response caching.",
			Priority:    priority,
			Metric:      telemetry.MetricAvgResponseTime,
			Current:     sum.AvgResponseTime,
			Target:      s.cfg.TargetResponseTimeMs,
		})
	}
	if sum.SuccessRate < s.cfg.TargetSuccessRate {
		priority := telemetry.SeverityHigh
		if sum.SuccessRate < s.cfg.TargetSuccessRate-0.1 {
			priority = telemetry.SeverityCritical
		}
		recs = append(recs, Recommendation{
			Title:       "Improve reliability",
			Description: "Success rate is below target; add retries with backoff and a secondary provider.",
			Priority:    priority,
			Metric:      telemetry.MetricSuccessRatio,
			Current:     sum.SuccessRate,
			Target:      s.cfg.TargetSuccessRate,
		})
	}
	if sum.AvgCost > s.cfg.TargetCostPerExecution {
		recs = append(recs, Recommendation{
			Title:       "Reduce cost",
			Description: "Average cost per execution is above target; trim prompt tokens or route to a cheaper model.",
			Priority:    telemetry.SeverityMedium,
			Metric:      telemetry.MetricAvgCost,
			Current:     sum.AvgCost,
			Target:      s.cfg.TargetCostPerExecution,
		})
	}
	return recs
}

// versionSummaries groups records by template version, ordered by semantic
// version. Versions that do not parse sort after those that do.
func versionSummaries(records []telemetry.ExecutionRecord) []VersionSummary {
	byVersion := make(map[string][]telemetry.ExecutionRecord)
	for _, r := range records {
		byVersion[r.TemplateVersion] = append(byVersion[r.TemplateVersion], r)
	}

	out := make([]VersionSummary, 0, len(byVersion))
	for version, recs := range byVersion {
		sum := summarize(recs)
		out = append(out, VersionSummary{
			Version:         version,
			Executions:      sum.TotalExecutions,
			AvgResponseTime: sum.AvgResponseTime,
			SuccessRate:     sum.SuccessRate,
			AvgCost:         sum.AvgCost,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return compareVersions(out[i].Version, out[j].Version) < 0
	})
	return out
}

func compareVersions(a, b string) int {
	ca, cb := canonicalVersion(a), canonicalVersion(b)
	switch {
	case ca != "" && cb != "":
		if c := semver.Compare(ca, cb); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	case ca != "":
		return -1
	case cb != "":
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func canonicalVersion(v string) string {
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}
