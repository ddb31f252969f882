package v1

import (
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/promptlab/plugin/ai/optimizer"
	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

type optimizeRequest struct {
	Template telemetry.PromptTemplate `json:"template"`
}

type applyRequest struct {
	RecommendationIDs []string `json:"recommendationIds"`
}

type patternRequest struct {
	Name         string              `json:"name"`
	Substrings   []string            `json:"substrings"`
	Regexp       string              `json:"regexp"`
	Issues       []string            `json:"issues"`
	Improvements []string            `json:"improvements"`
	Examples     []optimizer.Example `json:"examples"`
}

// OptimizeTemplate analyzes a template against its recorded performance.
// POST /api/v1/templates/:id/optimize
func (s *APIV1Service) OptimizeTemplate(c echo.Context) error {
	var req optimizeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid optimize request: %v", err)
	}
	tpl := req.Template
	tpl.ID = c.Param("id")

	result, err := s.Optimizer.AnalyzeTemplate(c.Request().Context(), tpl, nil)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// ListOptimizations returns the analysis history of a template, oldest first.
// GET /api/v1/templates/:id/optimizations
func (s *APIV1Service) ListOptimizations(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]*optimizer.Result{"optimizations": s.Optimizer.OptimizationHistory(c.Param("id"))})
}

// ApplyOptimizations applies recommendations from the latest analysis. An
// empty id list applies every recommendation of that analysis.
// POST /api/v1/templates/:id/optimizations/apply
func (s *APIV1Service) ApplyOptimizations(c echo.Context) error {
	var req applyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid apply request: %v", err)
	}
	templateID := c.Param("id")
	history := s.Optimizer.OptimizationHistory(templateID)
	if len(history) == 0 {
		return badRequest(c, "template %s has not been analyzed", templateID)
	}

	latest := history[len(history)-1]
	recs := latest.Recommendations
	if len(req.RecommendationIDs) > 0 {
		wanted := make(map[string]bool, len(req.RecommendationIDs))
		for _, id := range req.RecommendationIDs {
			wanted[id] = true
		}
		recs = recs[:0:0]
		for _, rec := range latest.Recommendations {
			if wanted[rec.ID] {
				recs = append(recs, rec)
			}
		}
	}

	automation, err := s.Optimizer.ApplyOptimizations(c.Request().Context(), templateID, recs)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"automation": automation,
		"overrides":  s.Optimizer.Overrides(templateID),
	})
}

// RegisterStrategy adds a conditional optimization strategy.
// POST /api/v1/strategies
func (s *APIV1Service) RegisterStrategy(c echo.Context) error {
	var strategy optimizer.Strategy
	if err := c.Bind(&strategy); err != nil {
		return badRequest(c, "invalid strategy: %v", err)
	}
	registered, err := s.Optimizer.RegisterOptimizationStrategy(strategy)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusCreated, registered)
}

// RegisterPattern adds a prompt weakness pattern.
// POST /api/v1/patterns
func (s *APIV1Service) RegisterPattern(c echo.Context) error {
	var req patternRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid pattern: %v", err)
	}
	pattern := optimizer.Pattern{
		Name:         req.Name,
		Substrings:   req.Substrings,
		Issues:       req.Issues,
		Improvements: req.Improvements,
		Examples:     req.Examples,
	}
	if req.Regexp != "" {
		re, err := regexp.Compile(req.Regexp)
		if err != nil {
			return badRequest(c, "invalid regexp: %v", err)
		}
		pattern.Regexp = re
	}
	if err := s.Optimizer.RegisterPromptPattern(pattern); err != nil {
		return s.toHTTPError(c, err)
	}
	return c.NoContent(http.StatusCreated)
}

// ListPatterns returns the names of registered patterns.
// GET /api/v1/patterns
func (s *APIV1Service) ListPatterns(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"patterns": s.Optimizer.Patterns()})
}
