package v1

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	aierrors "github.com/hrygo/promptlab/internal/errors"
	"github.com/hrygo/promptlab/internal/observability"
	"github.com/hrygo/promptlab/internal/profile"
	"github.com/hrygo/promptlab/plugin/ai/analytics"
	"github.com/hrygo/promptlab/plugin/ai/cache"
	"github.com/hrygo/promptlab/plugin/ai/experiment"
	"github.com/hrygo/promptlab/plugin/ai/optimizer"
	"github.com/hrygo/promptlab/server/middleware"
)

// Ingestion limits per client IP.
const (
	ingestRPS   = 200
	ingestBurst = 400
)

// Reports are served from cache until the template receives a new record
// or the entry expires.
const (
	reportCacheSize = 500
	reportCacheTTL  = 15 * time.Second
)

// APIV1Service exposes analytics, experiments and optimization over JSON.
type APIV1Service struct {
	Profile     *profile.Profile
	Analytics   *analytics.Service
	Experiments *experiment.Manager
	Optimizer   *optimizer.Engine

	logger  *slog.Logger
	limiter *middleware.RateLimiter
	reports *cache.Service[*analytics.PerformanceReport]
}

func NewAPIV1Service(profile *profile.Profile, analyticsService *analytics.Service, experiments *experiment.Manager, engine *optimizer.Engine, logger *slog.Logger) *APIV1Service {
	if logger == nil {
		logger = slog.Default()
	}
	reports := cache.NewService[*analytics.PerformanceReport](cache.Config{
		Capacity:   reportCacheSize,
		DefaultTTL: reportCacheTTL,
	})
	return &APIV1Service{
		Profile:     profile,
		Analytics:   analyticsService,
		Experiments: experiments,
		Optimizer:   engine,
		logger:      logger,
		limiter:     middleware.NewRateLimiter(ingestRPS, ingestBurst),
		reports:     reports,
	}
}

// Close stops the report cache.
func (s *APIV1Service) Close() {
	s.reports.Close()
}

// RegisterRoutes mounts the /api/v1 routes on the given Echo instance.
func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")
	ingest := s.limiter.Middleware()

	g.POST("/executions", s.RecordExecution, ingest)
	g.GET("/templates", s.ListTemplates)
	g.GET("/templates/:id/report", s.GetReport)
	g.GET("/templates/:id/history/:metric", s.GetMetricHistory)
	g.POST("/templates/:id/optimize", s.OptimizeTemplate)
	g.GET("/templates/:id/optimizations", s.ListOptimizations)
	g.POST("/templates/:id/optimizations/apply", s.ApplyOptimizations)

	g.GET("/experiments", s.ListExperiments)
	g.POST("/experiments", s.CreateExperiment)
	g.GET("/experiments/:id", s.GetExperiment)
	g.DELETE("/experiments/:id", s.DeleteExperiment)
	g.POST("/experiments/:id/start", s.StartExperiment)
	g.POST("/experiments/:id/pause", s.PauseExperiment)
	g.POST("/experiments/:id/complete", s.CompleteExperiment)
	g.POST("/experiments/:id/assign", s.AssignVariant)
	g.POST("/experiments/:id/executions", s.RecordExperimentExecution, ingest)
	g.GET("/experiments/:id/results", s.GetExperimentResults)

	g.POST("/strategies", s.RegisterStrategy)
	g.POST("/patterns", s.RegisterPattern)
	g.GET("/patterns", s.ListPatterns)

	g.GET("/system/overview", s.GetOverview)
}

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toHTTPError maps engine error codes onto HTTP statuses.
func (s *APIV1Service) toHTTPError(c echo.Context, err error) error {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	code := aierrors.GetCodeFromError(err, aierrors.ErrCodeInternal)
	status := http.StatusInternalServerError
	switch code {
	case aierrors.ErrCodeInvalidArgument:
		status = http.StatusBadRequest
	case aierrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case aierrors.ErrCodeFailedPrecondition:
		status = http.StatusConflict
	}

	message := err.Error()
	var aiErr *aierrors.AIError
	if errors.As(err, &aiErr) {
		message = aiErr.Message
	}
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request().Context(), "request failed",
			"path", c.Path(),
			observability.ErrAttr(err),
		)
	}
	return c.JSON(status, errorResponse{Code: string(code), Message: message})
}

func badRequest(c echo.Context, format string, args ...any) error {
	err := aierrors.InvalidArgument(format, args...)
	return c.JSON(http.StatusBadRequest, errorResponse{Code: string(err.Code), Message: err.Message})
}
