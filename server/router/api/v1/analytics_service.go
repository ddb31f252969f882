package v1

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

// RecordExecution ingests one execution record.
// POST /api/v1/executions
func (s *APIV1Service) RecordExecution(c echo.Context) error {
	var record telemetry.ExecutionRecord
	if err := c.Bind(&record); err != nil {
		return badRequest(c, "invalid execution record: %v", err)
	}
	if err := s.Analytics.RecordExecution(c.Request().Context(), record); err != nil {
		return s.toHTTPError(c, err)
	}
	s.invalidateReports(record.TemplateID)
	return c.NoContent(http.StatusAccepted)
}

// ListTemplates returns the ids of templates with recorded executions.
// GET /api/v1/templates
func (s *APIV1Service) ListTemplates(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"templates": s.Analytics.Templates()})
}

// GetReport returns the performance report of a template. range (1h, 24h,
// 7d or 30d) is a shorthand for a start relative to now.
// GET /api/v1/templates/:id/report?start=RFC3339&end=RFC3339
// GET /api/v1/templates/:id/report?range=24h
func (s *APIV1Service) GetReport(c echo.Context) error {
	start, err := parseTimeParam(c, "start")
	if err != nil {
		return badRequest(c, "invalid start: %v", err)
	}
	startKey := c.QueryParam("start")
	if r := c.QueryParam("range"); r != "" && start == nil {
		t, err := parseTimeRange(r, time.Now())
		if err != nil {
			return badRequest(c, "%v", err)
		}
		start = &t
		startKey = "range=" + r
	}
	end, err := parseTimeParam(c, "end")
	if err != nil {
		return badRequest(c, "invalid end: %v", err)
	}
	templateID := c.Param("id")
	key := reportKey(templateID, startKey, c.QueryParam("end"))
	if report, ok := s.reports.Get(key); ok {
		return c.JSON(http.StatusOK, report)
	}
	report, err := s.Analytics.GenerateReport(c.Request().Context(), templateID, start, end)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	s.reports.Set(key, report, 0)
	return c.JSON(http.StatusOK, report)
}

func reportKey(templateID, start, end string) string {
	return "report:" + templateID + ":" + start + ":" + end
}

func (s *APIV1Service) invalidateReports(templateID string) {
	s.reports.Invalidate("report:" + templateID + ":*")
}

// GetMetricHistory returns one metric bucketed over time.
// GET /api/v1/templates/:id/history/:metric?interval=1h&limit=24
func (s *APIV1Service) GetMetricHistory(c echo.Context) error {
	var interval time.Duration
	if raw := c.QueryParam("interval"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return badRequest(c, "invalid interval %q", raw)
		}
		interval = d
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return badRequest(c, "invalid limit %q", raw)
		}
		limit = n
	}

	points, err := s.Analytics.MetricHistory(c.Param("id"), c.Param("metric"), interval, limit)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"metric": c.Param("metric"), "points": points})
}

func parseTimeParam(c echo.Context, name string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
