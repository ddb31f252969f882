package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/promptlab/plugin/ai/experiment"
	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

type assignRequest struct {
	SubjectID string `json:"subjectId"`
}

type assignResponse struct {
	// Variant is null when the experiment is not running.
	Variant *experiment.Variant `json:"variant"`
}

type experimentExecutionRequest struct {
	VariantID string                    `json:"variantId"`
	Record    telemetry.ExecutionRecord `json:"record"`
}

// ListExperiments returns every experiment.
// GET /api/v1/experiments
func (s *APIV1Service) ListExperiments(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]*experiment.Experiment{"experiments": s.Experiments.ListTests()})
}

// CreateExperiment creates a draft experiment.
// POST /api/v1/experiments
func (s *APIV1Service) CreateExperiment(c echo.Context) error {
	var cfg experiment.TestConfig
	if err := c.Bind(&cfg); err != nil {
		return badRequest(c, "invalid experiment: %v", err)
	}
	exp, err := s.Experiments.CreateTest(c.Request().Context(), cfg)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusCreated, exp)
}

// GetExperiment returns one experiment.
// GET /api/v1/experiments/:id
func (s *APIV1Service) GetExperiment(c echo.Context) error {
	exp, err := s.Experiments.GetTest(c.Param("id"))
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, exp)
}

// DeleteExperiment removes a draft or completed experiment.
// DELETE /api/v1/experiments/:id
func (s *APIV1Service) DeleteExperiment(c echo.Context) error {
	if err := s.Experiments.DeleteTest(c.Request().Context(), c.Param("id")); err != nil {
		return s.toHTTPError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// StartExperiment starts or resumes an experiment.
// POST /api/v1/experiments/:id/start
func (s *APIV1Service) StartExperiment(c echo.Context) error {
	exp, err := s.Experiments.StartTest(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, exp)
}

// PauseExperiment pauses a running experiment.
// POST /api/v1/experiments/:id/pause
func (s *APIV1Service) PauseExperiment(c echo.Context) error {
	exp, err := s.Experiments.PauseTest(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, exp)
}

// CompleteExperiment runs the final analysis and completes the experiment.
// POST /api/v1/experiments/:id/complete
func (s *APIV1Service) CompleteExperiment(c echo.Context) error {
	result, err := s.Experiments.CompleteTest(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// AssignVariant picks the variant a subject sees.
// POST /api/v1/experiments/:id/assign
func (s *APIV1Service) AssignVariant(c echo.Context) error {
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid assignment request: %v", err)
	}
	variant, err := s.Experiments.AssignVariant(c.Param("id"), req.SubjectID)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, assignResponse{Variant: variant})
}

// RecordExperimentExecution attributes an execution to a variant. The record
// also feeds the analytics of the variant's template.
// POST /api/v1/experiments/:id/executions
func (s *APIV1Service) RecordExperimentExecution(c echo.Context) error {
	var req experimentExecutionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid execution: %v", err)
	}
	ctx := c.Request().Context()
	testID := c.Param("id")
	if err := s.Experiments.RecordExecution(ctx, testID, req.VariantID, req.Record); err != nil {
		return s.toHTTPError(c, err)
	}

	record := req.Record
	if record.TemplateID == "" {
		if exp, err := s.Experiments.GetTest(testID); err == nil {
			if v, ok := exp.Variant(req.VariantID); ok {
				record.TemplateID = v.TemplateID
			}
		}
	}
	record = record.WithMetadata(telemetry.MetadataExperimentID, testID).WithMetadata(telemetry.MetadataVariantID, req.VariantID)
	if err := s.Analytics.RecordExecution(ctx, record); err != nil {
		return s.toHTTPError(c, err)
	}
	s.invalidateReports(record.TemplateID)
	return c.NoContent(http.StatusAccepted)
}

// GetExperimentResults analyzes the experiment as of now.
// GET /api/v1/experiments/:id/results
func (s *APIV1Service) GetExperimentResults(c echo.Context) error {
	result, err := s.Experiments.AnalyzeTestResults(c.Param("id"))
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}
