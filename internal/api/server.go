package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dnsfence/dnsfence/internal/config"
	"github.com/dnsfence/dnsfence/internal/log"
	"github.com/dnsfence/dnsfence/internal/policy"
)

// Server is the control API server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer creates the API server bound to bindAddr.
func NewServer(bindAddr string, cfg *config.Config, ctrl EngineController, store *policy.Store) *Server {
	s := &Server{
		router: chi.NewRouter(),
	}

	s.router.Use(Recovery)
	s.router.Use(Logger)
	s.router.Use(PrivateSubnetOnly)
	s.router.Use(CORS)
	s.router.Use(JSONContentType)

	h := NewHandler(cfg, ctrl, store)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/engine/start", h.StartEngine)
		r.Post("/engine/stop", h.StopEngine)
		r.Get("/engine/status", h.GetEngineStatus)

		r.Get("/policy/{host}", h.GetPolicy)
		r.Get("/upstreams", h.GetUpstreams)
	})
	s.router.Get("/health", h.CheckHealth)

	s.httpServer = &http.Server{
		Addr:         bindAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server and blocks until shutdown.
func (s *Server) Start() error {
	log.Infof("[API] Starting server on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	log.Infof("[API] Shutting down server...")
	return s.httpServer.Shutdown(ctx)
}
