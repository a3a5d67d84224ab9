// ABOUTME: Chat completion handler: runs a turn and returns SSE or a single JSON body.
// ABOUTME: SSE framing is one data:<json> record per TurnEvent with a terminal data: [DONE].
package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/2389-research/stampede/agent"
	"github.com/2389-research/stampede/session"
)

type chatRequest struct {
	SessionID     string `json:"session_id"`
	Message       string `json:"message"`
	Stream        bool   `json:"stream"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

type chatResponse struct {
	SessionID  string `json:"session_id"`
	Response   string `json:"response"`
	Iterations int    `json:"iterations"`
	ToolCalls  int    `json:"tool_calls"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", session.ErrInvalidInput, err))
		return
	}
	if req.SessionID == "" || req.Message == "" {
		writeError(w, fmt.Errorf("%w: session_id and message are required", session.ErrInvalidInput))
		return
	}

	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := s.engine.Run(r.Context(), sess, req.Message, agent.RunOptions{MaxIterations: req.MaxIterations})
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Stream {
		s.streamTurn(w, r, events)
		return
	}
	s.collectTurn(w, req.SessionID, events)
}

// streamTurn frames each TurnEvent as one SSE record and closes with [DONE].
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, events <-chan agent.TurnEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				fmt.Fprint(w, "data: [DONE]\n\n")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// collectTurn drains the stream and answers with one JSON body.
func (s *Server) collectTurn(w http.ResponseWriter, sessionID string, events <-chan agent.TurnEvent) {
	resp := chatResponse{SessionID: sessionID}
	for ev := range events {
		switch ev.Type {
		case agent.EventToolCall:
			resp.ToolCalls++
		case agent.EventComplete:
			resp.Response = ev.FinalResponse
			resp.Iterations = ev.Iterations
		case agent.EventError:
			resp.Error = ev.Error
		}
	}
	if resp.Error != "" {
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
