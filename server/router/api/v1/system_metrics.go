package v1

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	aierrors "github.com/hrygo/promptlab/internal/errors"
	"github.com/hrygo/promptlab/internal/observability"
)

// OverviewResponse summarizes engine activity over a time range.
type OverviewResponse struct {
	Templates       int            `json:"templates"`
	TotalExecutions int            `json:"totalExecutions"`
	SuccessRate     float64        `json:"successRate"`
	AvgLatencyMs    float64        `json:"avgLatencyMs"`
	TotalCost       float64        `json:"totalCost"`
	Experiments     map[string]int `json:"experiments"`
	TimeRange       string         `json:"timeRange"`
}

// GetOverview returns execution totals across templates plus experiment counts by status.
// GET /api/v1/system/overview?range=24h
func (s *APIV1Service) GetOverview(c echo.Context) error {
	timeRange := c.QueryParam("range")
	if timeRange == "" {
		timeRange = "24h"
	}
	start, err := parseTimeRange(timeRange, time.Now())
	if err != nil {
		slog.Warn("Invalid time range parameter in overview request", "range", timeRange, observability.ErrAttr(err))
		return badRequest(c, "%v", err)
	}

	ctx := c.Request().Context()
	resp := OverviewResponse{
		Experiments: make(map[string]int),
		TimeRange:   timeRange,
	}
	var successes, latency float64
	for _, id := range s.Analytics.Templates() {
		report, err := s.Analytics.GenerateReport(ctx, id, &start, nil)
		if err != nil {
			if aierrors.IsCode(err, aierrors.ErrCodeNotFound) {
				continue
			}
			return s.toHTTPError(c, err)
		}
		n := report.Summary.TotalExecutions
		if n == 0 {
			continue
		}
		resp.Templates++
		resp.TotalExecutions += n
		successes += report.Summary.SuccessRate * float64(n)
		latency += report.Summary.AvgResponseTime * float64(n)
		resp.TotalCost += report.Summary.AvgCost * float64(n)
	}
	if resp.TotalExecutions > 0 {
		resp.SuccessRate = successes / float64(resp.TotalExecutions)
		resp.AvgLatencyMs = latency / float64(resp.TotalExecutions)
	}
	for _, exp := range s.Experiments.ListTests() {
		resp.Experiments[string(exp.Status)]++
	}
	return c.JSON(http.StatusOK, resp)
}

// parseTimeRange parses time range string and returns the start time
func parseTimeRange(timeRange string, now time.Time) (time.Time, error) {
	switch timeRange {
	case "1h":
		return now.Add(-1 * time.Hour), nil
	case "24h":
		return now.Add(-24 * time.Hour), nil
	case "7d":
		return now.Add(-7 * 24 * time.Hour), nil
	case "30d":
		return now.Add(-30 * 24 * time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("invalid time range: %s (valid: 1h, 24h, 7d, 30d)", timeRange)
	}
}
