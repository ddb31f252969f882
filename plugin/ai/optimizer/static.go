package optimizer

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/hrygo/promptlab/plugin/ai/analytics"
	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

var (
	stepCue     = regexp.MustCompile(`(?i)step[- ]by[- ]step|\bstep \d|\bfirst\b[^.]*\bthen\b`)
	exampleCue  = regexp.MustCompile(`(?i)\bexamples?\b|\be\.g\.|\bfor instance\b`)
	placeholder = regexp.MustCompile(`\{\{\s*[\w.]+\s*\}\}|\$\{\w+\}`)
)

// structure is what the markdown parse reveals about a prompt.
type structure struct {
	orderedList bool
	codeBlock   bool
}

func parseStructure(src string) structure {
	var s structure
	doc := goldmark.New().Parser().Parse(text.NewReader([]byte(src)))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.List:
			if node.IsOrdered() {
				s.orderedList = true
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			s.codeBlock = true
		}
		return ast.WalkContinue, nil
	})
	return s
}

// estimateTokens approximates the token count as characters / 4.
func estimateTokens(s string) int {
	return utf8.RuneCountInString(s) / 4
}

func declaredVariables(tpl telemetry.PromptTemplate) int {
	if len(tpl.Variables) > 0 {
		return len(tpl.Variables)
	}
	return len(placeholder.FindAllString(tpl.Text, -1))
}

// staticRecommendations checks the template text against the pattern set,
// the length limit and the best-practice cues.
func (e *Engine) staticRecommendations(tpl telemetry.PromptTemplate, patterns []Pattern, report *analytics.PerformanceReport) []Recommendation {
	var recs []Recommendation
	quality := reportValue(report, telemetry.MetricAvgQuality)

	for _, p := range patterns {
		hit, ok := p.Match(tpl.Text)
		if !ok {
			continue
		}
		changes := make([]SuggestedChange, 0, len(p.Improvements))
		for _, imp := range p.Improvements {
			changes = append(changes, SuggestedChange{Target: "prompt", From: hit, Description: imp})
		}
		for i := range p.Examples {
			if i < len(changes) {
				changes[i].To = p.Examples[i].After
			}
		}
		recs = append(recs, Recommendation{
			Type:             TypePromptRefinement,
			Priority:         telemetry.SeverityMedium,
			Title:            fmt.Sprintf("Fix %s", strings.ReplaceAll(p.Name, "_", " ")),
			Description:      strings.Join(p.Issues, " "),
			Rationale:        fmt.Sprintf("Prompt text matches %q at %q.", p.Name, hit),
			ExpectedImpact:   []Impact{impact(telemetry.MetricAvgQuality, quality, 10, false)},
			SuggestedChanges: changes,
			Effort:           EffortLow,
			Confidence:       0.7,
			Source:           SourceStatic,
		})
	}

	tokens := estimateTokens(tpl.Text)
	if tokens > e.cfg.MaxPromptTokens {
		pct := float64(tokens-e.cfg.MaxPromptTokens) / float64(tokens) * 100
		recs = append(recs, Recommendation{
			Type:        TypePromptRefinement,
			Priority:    telemetry.SeverityHigh,
			Title:       "Shorten the prompt",
			Description: "The prompt is longer than the configured token budget; remove redundant context or move static material into a cached system prompt.",
			Rationale:   fmt.Sprintf("Estimated %d prompt tokens exceeds the limit of %d.", tokens, e.cfg.MaxPromptTokens),
			ExpectedImpact: []Impact{
				impact(telemetry.MetricAvgTokenUsage, reportValue(report, telemetry.MetricAvgTokenUsage), pct, true),
				impact(telemetry.MetricAvgCost, reportValue(report, telemetry.MetricAvgCost), pct, true),
			},
			SuggestedChanges: []SuggestedChange{{Target: "prompt_tokens", From: fmt.Sprint(tokens), To: fmt.Sprint(e.cfg.MaxPromptTokens)}},
			Effort:           EffortMedium,
			Confidence:       0.8,
			Source:           SourceStatic,
		})
	}

	s := parseStructure(tpl.Text)
	if !s.orderedList && !stepCue.MatchString(tpl.Text) {
		recs = append(recs, cueRecommendation("Add step-by-step guidance",
			"Break the task into ordered steps so the model follows a consistent procedure.",
			"No numbered list or step-by-step instruction found.", quality, 0.6))
	}
	if !s.codeBlock && !exampleCue.MatchString(tpl.Text) {
		recs = append(recs, cueRecommendation("Add examples",
			"Include one or two input/output examples of the expected answer.",
			"No examples or example blocks found.", quality, 0.6))
	}
	if declaredVariables(tpl) == 0 {
		recs = append(recs, cueRecommendation("Parameterize the prompt",
			"Extract the parts that change per request into template variables.",
			"The template declares no variables.", quality, 0.5))
	}
	return recs
}

func cueRecommendation(title, description, rationale string, quality, confidence float64) Recommendation {
	return Recommendation{
		Type:           TypePromptRefinement,
		Priority:       telemetry.SeverityLow,
		Title:          title,
		Description:    description,
		Rationale:      rationale,
		ExpectedImpact: []Impact{impact(telemetry.MetricAvgQuality, quality, 5, false)},
		Effort:         EffortLow,
		Confidence:     confidence,
		Source:         SourceStatic,
	}
}

// impact builds an Impact whose expected value follows from pct in the
// metric's direction.
func impact(metric string, current, pct float64, lowerIsBetter bool) Impact {
	expected := current * (1 + pct/100)
	if lowerIsBetter {
		expected = current * (1 - pct/100)
	}
	return Impact{Metric: metric, Current: current, Expected: expected, ImprovementPct: pct}
}

func reportValue(report *analytics.PerformanceReport, metric string) float64 {
	if report == nil {
		return 0
	}
	v, _ := report.Metric(metric)
	return v
}
