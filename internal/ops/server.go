// Package ops serves liveness, readiness and Prometheus metrics over HTTP.
package ops

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultCheckTimeout = time.Second

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type Server struct {
	echo    *echo.Echo
	checks  map[string]Check
	timeout time.Duration
	log     *slog.Logger
}

func NewServer(checks map[string]Check, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		echo:    echo.New(),
		checks:  checks,
		timeout: defaultCheckTimeout,
		log:     log,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.GET("/healthz", s.healthz)
	s.echo.GET("/readyz", s.readyz)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) healthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) readyz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.timeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			s.log.WarnContext(ctx, "readiness check failed", slog.String("check", name), slog.String("err", err.Error()))
			return c.String(http.StatusServiceUnavailable, name+" not ready")
		}
	}
	return c.String(http.StatusOK, "ready")
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
