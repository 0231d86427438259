// Package server provides the management HTTP API: device
// registration, notification preferences, relationship sync, health,
// and metrics. Built on Echo v4, mirroring the wider ecosystem's
// conventions for middleware and graceful shutdown.
package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/primal-host/pushbridge/internal/push"
	"github.com/primal-host/pushbridge/internal/relationship"
)

// Server wraps the Echo instance and its application dependencies.
type Server struct {
	echo *echo.Echo
	log  *zap.SugaredLogger

	adminKey      string
	devices       *push.DeviceStore
	relationships *relationship.Manager
}

// New creates a configured Echo server with all routes registered.
func New(adminKey string, devices *push.DeviceStore, relationships *relationship.Manager, log *zap.SugaredLogger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{
		echo:          e,
		log:           log,
		adminKey:      adminKey,
		devices:       devices,
		relationships: relationships,
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("", s.requireAdmin)
	api.POST("/register", s.handleRegister)
	api.GET("/preferences", s.handleGetPreferences)
	api.PUT("/preferences", s.handlePutPreferences)
	api.POST("/relationships", s.handlePostRelationships)
}

// requireAdmin validates the Authorization header against the
// configured admin key.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) || auth[len(prefix):] != s.adminKey {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "Unauthorized",
				"message": "a valid admin bearer token is required",
			})
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Start begins listening for HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("management api listening", "addr", addr)
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info("shutting down management api")
		return s.echo.Shutdown(context.Background())
	}
}
