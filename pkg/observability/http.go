package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadyFunc reports whether the process is ready to serve, with a short reason.
type ReadyFunc func() (bool, string)

// HTTPServer serves metrics, probes and any routes registered by the agent.
type HTTPServer struct {
	addr   string
	logger *zap.Logger
	echo   *echo.Echo
	ready  ReadyFunc
}

// NewHTTPServer creates an echo server exposing /metrics, /health and /ready.
func NewHTTPServer(addr string, ready ReadyFunc, logger *zap.Logger) *HTTPServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &HTTPServer{
		addr:   addr,
		logger: logger,
		echo:   e,
		ready:  ready,
	}

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health", s.health)
	e.GET("/ready", s.readiness)

	return s
}

// Echo exposes the router so callers can mount additional routes.
func (s *HTTPServer) Echo() *echo.Echo {
	return s.echo
}

// Start serves in the background until Stop is called.
func (s *HTTPServer) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.addr))

	go func() {
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the server down gracefully
func (s *HTTPServer) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *HTTPServer) health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *HTTPServer) readiness(c echo.Context) error {
	if s.ready == nil {
		return c.String(http.StatusOK, "READY")
	}
	ok, reason := s.ready()
	if !ok {
		return c.String(http.StatusServiceUnavailable, reason)
	}
	return c.String(http.StatusOK, "READY")
}
