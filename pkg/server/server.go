package server

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/zen-systems/routegate/pkg/config"
	"github.com/zen-systems/routegate/pkg/router"
)

// Server exposes the OpenAI-compatible gateway surface over HTTP.
type Server struct {
	echo   *echo.Echo
	engine *router.Engine
	cfg    *config.Config
	logger *zap.Logger

	// routingPath is re-read on admin reload; when empty, reload is
	// rejected with no_routing_file.
	routingPath string
}

// New creates the HTTP server around a routing engine.
func New(engine *router.Engine, cfg *config.Config, routingPath string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:        e,
		engine:      engine,
		cfg:         cfg,
		logger:      logger,
		routingPath: routingPath,
	}

	limiter := NewRateLimiter(10, 20)
	api := e.Group("", limiter.Middleware())
	api.POST("/v1/chat/completions", s.handleChatCompletions)
	api.POST("/v1/responses", s.handleResponses)

	e.GET("/healthz", s.handleHealthz)
	e.GET("/admin/metrics", s.handleMetrics, s.requireAdmin)
	e.POST("/admin/reload", s.handleReload, s.requireAdmin)

	return s
}

// Start blocks serving HTTP on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info("listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Handler exposes the echo instance for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Metrics().Snapshot())
}

// handleReload re-reads the routing file and swaps the snapshot. In-flight
// requests finish on the snapshot they started with.
func (s *Server) handleReload(c echo.Context) error {
	path := s.routingPath
	if path == "" {
		return c.JSON(http.StatusBadRequest, errorBody("no_routing_file", "server started without a routing file", 0))
	}
	routing, err := config.LoadRoutingConfig(path)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_routing_config", err.Error(), 0))
	}
	s.engine.Reload(routing)
	s.logger.Info("routing config reloaded", zap.String("path", path), zap.Int("models", len(routing.Models)))
	return c.JSON(http.StatusOK, map[string]any{"status": "reloaded", "models": len(routing.Models)})
}

// requireAdmin gates admin endpoints on the shared-secret token.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.isAdmin(c) {
			return c.JSON(http.StatusForbidden, errorBody("forbidden", "admin token required", 0))
		}
		return next(c)
	}
}

func (s *Server) isAdmin(c echo.Context) bool {
	return s.cfg.AdminToken != "" && c.Request().Header.Get("x-router-admin-token") == s.cfg.AdminToken
}
