package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"

	aierrors "github.com/hrygo/promptlab/internal/errors"
	"github.com/hrygo/promptlab/plugin/ai/analytics"
)

// Condition compares one report metric against a threshold.
type Condition struct {
	Metric    string  `json:"metric" yaml:"metric"`
	Operator  string  `json:"operator" yaml:"operator"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

var operators = map[string]bool{">": true, ">=": true, "<": true, "<=": true, "==": true, "!=": true}

func (c Condition) expression() (string, error) {
	if c.Metric == "" {
		return "", aierrors.InvalidArgument("condition metric is required")
	}
	if !operators[c.Operator] {
		return "", aierrors.InvalidArgument("unsupported operator %q", c.Operator)
	}
	key := strconv.Quote(c.Metric)
	return fmt.Sprintf("(%s in metrics && metrics[%s] %s %s)", key, key, c.Operator, doubleLiteral(c.Threshold)), nil
}

func doubleLiteral(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Strategy contributes its recommendations whenever every condition holds
// against a performance report. Expression is an optional CEL boolean over
// the map variable `metrics` and is ANDed with the conditions.
type Strategy struct {
	ID              string           `json:"id" yaml:"id"`
	Name            string           `json:"name" yaml:"name"`
	Conditions      []Condition      `json:"conditions" yaml:"conditions"`
	Expression      string           `json:"expression,omitempty" yaml:"expression"`
	Recommendations []Recommendation `json:"recommendations" yaml:"recommendations"`
	SuccessMetrics  []string         `json:"successMetrics" yaml:"successMetrics"`

	program cel.Program
}

var celEnv = mustEnv()

func mustEnv() *cel.Env {
	env, err := cel.NewEnv(cel.Variable("metrics", cel.MapType(cel.StringType, cel.DoubleType)))
	if err != nil {
		panic(err)
	}
	return env
}

// compile validates the strategy and prepares its program.
func (s *Strategy) compile() error {
	if strings.TrimSpace(s.Name) == "" {
		return aierrors.InvalidArgument("strategy name is required")
	}
	if len(s.Recommendations) == 0 {
		return aierrors.InvalidArgument("strategy %q has no recommendations", s.Name)
	}
	for _, r := range s.Recommendations {
		if !r.Type.valid() {
			return aierrors.InvalidArgument("strategy %q: unknown recommendation type %q", s.Name, r.Type)
		}
	}

	parts := make([]string, 0, len(s.Conditions)+1)
	for _, c := range s.Conditions {
		expr, err := c.expression()
		if err != nil {
			return err
		}
		parts = append(parts, expr)
	}
	if e := strings.TrimSpace(s.Expression); e != "" {
		parts = append(parts, "("+e+")")
	}
	if len(parts) == 0 {
		return aierrors.InvalidArgument("strategy %q has no conditions", s.Name)
	}

	ast, iss := celEnv.Compile(strings.Join(parts, " && "))
	if iss.Err() != nil {
		return aierrors.Wrap(iss.Err(), aierrors.ErrCodeInvalidArgument, fmt.Sprintf("strategy %q does not compile", s.Name))
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return aierrors.InvalidArgument("strategy %q must evaluate to a bool", s.Name)
	}
	prg, err := celEnv.Program(ast)
	if err != nil {
		return aierrors.Wrap(err, aierrors.ErrCodeInvalidArgument, fmt.Sprintf("strategy %q does not compile", s.Name))
	}
	s.program = prg
	return nil
}

// applies evaluates the strategy against metrics. Evaluation errors count as
// not applicable.
func (s *Strategy) applies(metrics map[string]float64) (bool, error) {
	out, _, err := s.program.Eval(map[string]any{"metrics": metrics})
	if err != nil {
		return false, err
	}
	ok, _ := out.Value().(bool)
	return ok, nil
}

// reportMetrics flattens the summary and custom metrics of report.
func reportMetrics(report *analytics.PerformanceReport) map[string]float64 {
	metrics := report.Summary.Values()
	for k, v := range report.CustomMetrics {
		metrics[k] = v
	}
	return metrics
}

func (t RecommendationType) valid() bool {
	switch t {
	case TypePromptRefinement, TypeModelChange, TypeParameterTuning, TypeCaching, TypeFallbackStrategy:
		return true
	}
	return false
}
