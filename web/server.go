// ABOUTME: HTTP server exposing session CRUD and chat completions behind a chi router.
// ABOUTME: Maps runtime sentinel errors onto HTTP statuses; turn streams go out as SSE.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389-research/stampede/agent"
	"github.com/2389-research/stampede/session"
)

// Server serves the runtime's HTTP surface.
type Server struct {
	sessions *session.Manager
	engine   *agent.Engine
	router   chi.Router
	addr     string
}

// ServerConfig holds server construction parameters.
type ServerConfig struct {
	Addr     string // listen address (default "127.0.0.1:8348")
	Sessions *session.Manager
	Engine   *agent.Engine
}

// NewServer wires the router over the session manager and engine.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Sessions == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("session manager and engine are required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8348"
	}
	s := &Server{sessions: cfg.Sessions, engine: cfg.Engine, addr: cfg.Addr}
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server with timeouts sized for long SSE turns
// and shuts it down when ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("component=web action=shutdown_failed err=%v", err)
		}
	}()

	log.Printf("component=web action=listen addr=%s", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleSessionCreate)
			r.Get("/", s.handleSessionList)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleSessionGet)
				r.Put("/", s.handleSessionUpdate)
				r.Delete("/", s.handleSessionDelete)
				r.Get("/stats", s.handleSessionStats)
			})
		})
		r.Post("/chat/completions", s.handleChat)
		r.Get("/chat/health", s.handleHealth)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON serializes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("component=web action=encode_failed err=%v", err)
	}
}

// writeError maps runtime sentinel errors to HTTP statuses with a JSON body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, session.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, agent.ErrBusy):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
