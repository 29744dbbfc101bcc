// Package server exposes the coordinator over HTTP: a REST surface for
// definitions and runs, a WebSocket stream for events, and the Prometheus
// scrape endpoint.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wonderhq/wonder/internal/resource"
	"github.com/wonderhq/wonder/pkg/coordinator"
)

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// ShutdownTimeout bounds graceful shutdown. Default: 5s.
	ShutdownTimeout time.Duration

	// Logger is the structured logger for server events.
	Logger *slog.Logger
}

// Server wires the coordinator and resource store into HTTP routes.
type Server struct {
	echo    *echo.Echo
	coord   *coordinator.Coordinator
	store   resource.Store
	logger  *slog.Logger
	cfg     Config
	streams *streamHandler
}

// New builds a server. It does not start listening until Start.
func New(cfg Config, coord *coordinator.Coordinator, store resource.Store) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		coord:   coord,
		store:   store,
		logger:  cfg.Logger,
		cfg:     cfg,
		streams: newStreamHandler(coord, cfg.Logger),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/v1")
	v1.POST("/workflows", s.handleSaveWorkflow)
	v1.GET("/workflows/:ref", s.handleGetWorkflow)
	v1.POST("/tasks", s.handleSaveTask)
	v1.POST("/actions", s.handleSaveAction)

	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/cancel", s.handleCancelRun)
	v1.GET("/runs/:id/context", s.handleRunContext)
	v1.GET("/runs/:id/events", s.handleRunEvents)

	v1.GET("/streams", s.streams.handle)
}

// Handler returns the root http.Handler, used directly by tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on the configured address and blocks until the server
// stops.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.cfg.Addr)
	err := s.echo.Start(s.cfg.Addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server, closing live stream connections first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.streams.close()
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
