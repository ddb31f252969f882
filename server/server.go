package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/promptlab/internal/observability"
	"github.com/hrygo/promptlab/internal/profile"
	"github.com/hrygo/promptlab/plugin/ai/events"
	apiv1 "github.com/hrygo/promptlab/server/router/api/v1"
	"github.com/hrygo/promptlab/store"
)

type Server struct {
	Profile    *profile.Profile
	Store      *store.Store
	Components *Components

	logger     *slog.Logger
	echoServer *echo.Echo
	apiV1      *apiv1.APIV1Service
	listener   net.Listener
	busSubID   string
}

// NewServer builds the engine components and the HTTP surface. st may be nil
// when experiments are kept in memory.
func NewServer(ctx context.Context, profile *profile.Profile, st *store.Store, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Profile: profile,
		Store:   st,
		logger:  logger,
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.Components = NewComponents(ctx, profile, st, reg, logger)
	s.busSubID = s.Components.Bus.Subscribe(s.logEvent,
		events.KindExperimentCompleted,
		events.KindExperimentAutoOptimized,
		events.KindTrafficAdjusted,
		events.KindStorageError,
	)

	echoServer := echo.New()
	echoServer.Debug = profile.IsDev()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(middleware.Recover())
	echoServer.Use(middleware.BodyLimit("4M"))
	s.echoServer = echoServer

	echoServer.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})
	echoServer.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	apiV1Service := apiv1.NewAPIV1Service(profile, s.Components.Analytics, s.Components.Experiments, s.Components.Optimizer, logger)
	apiV1Service.RegisterRoutes(echoServer)
	s.apiV1 = apiV1Service

	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.echoServer
}

func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", address)
	}
	s.listener = listener

	go func() {
		s.echoServer.Listener = listener
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.ErrorContext(ctx, "failed to start echo server", observability.ErrAttr(err))
		}
	}()
	s.logger.InfoContext(ctx, "server started", "address", address, "mode", s.Profile.Mode)
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s.logger.InfoContext(ctx, "server shutting down")

	// Shutdown echo server.
	if err := s.echoServer.Shutdown(ctx); err != nil {
		s.logger.ErrorContext(ctx, "failed to shutdown server", observability.ErrAttr(err))
	}

	// Stop monitors and flush pending experiment writes before closing the database.
	s.apiV1.Close()
	s.Components.Bus.Unsubscribe(s.busSubID)
	s.Components.Close()

	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			s.logger.ErrorContext(ctx, "failed to close database", observability.ErrAttr(err))
		}
	}

	s.logger.InfoContext(ctx, "server stopped properly")
}

func (s *Server) logEvent(e events.Event) {
	switch p := e.Payload.(type) {
	case events.StorageError:
		s.logger.Warn("experiment persistence degraded",
			"operation", p.Operation,
			observability.LogFieldExperimentID, p.ExperimentID,
			observability.LogFieldError, p.Error,
		)
	default:
		s.logger.Info("engine event", "kind", string(e.Kind), "event_id", e.ID)
	}
}
