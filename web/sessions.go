// ABOUTME: Session CRUD handlers for the /api/v1/sessions routes.
// ABOUTME: Request and response bodies mirror the persisted session config document.
package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389-research/stampede/session"
)

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var cfg session.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, fmt.Errorf("%w: %v", session.ErrInvalidInput, err))
		return
	}
	sess, err := s.sessions.Create(cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Config())
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	source := session.ListSource(r.URL.Query().Get("source"))
	switch source {
	case "", session.SourceMemory, session.SourceFile, session.SourceAll:
	default:
		writeError(w, fmt.Errorf("%w: unknown source %q", session.ErrInvalidInput, source))
		return
	}
	configs, err := s.sessions.List(source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": configs})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Config())
}

func (s *Server) handleSessionUpdate(w http.ResponseWriter, r *http.Request) {
	var req session.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", session.ErrInvalidInput, err))
		return
	}
	cfg, err := s.sessions.Update(chi.URLParam(r, "sessionID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := sess.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
