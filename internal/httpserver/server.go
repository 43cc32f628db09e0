// Package httpserver serves the orchestrator's admin surface: health,
// readiness, in-memory metrics and a fleet snapshot.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrSnakeDoc/fleetmesh/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/rpc/mw"
)

// Server wraps the admin HTTP server.
type Server struct {
	http   *http.Server
	logger logger.Logger
}

// New builds the admin server (router, middlewares, routes).
func New(addr string, d handlers.Deps) *Server {
	r := chi.NewRouter()

	r.Use(middleware.GetHead)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Second))
	r.Use(mw.Log(d.Logger))
	r.Use(mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.Logger))

	r.Get("/healthz", handlers.Healthz(d))
	r.Get("/readyz", handlers.Readyz(d))
	r.Get("/metrics", handlers.Metrics(d))
	r.Get("/templates", handlers.Templates(d))

	s := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Server{
		http:   s,
		logger: d.Logger,
	}
}

func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start runs the admin server (blocks until error or shutdown).
func (s *Server) Start() error {
	s.logger.Infof("admin server listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("admin server shutting down...")
	return s.http.Shutdown(ctx)
}
