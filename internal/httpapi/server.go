// Package httpapi exposes the conversation service over REST and WebSocket.
package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/planforge/orchestrator/internal/archive"
	"github.com/planforge/orchestrator/internal/orchestrator"
	"github.com/planforge/orchestrator/internal/session"
)

// Server holds the handler dependencies. archive may be nil when archiving
// is disabled.
type Server struct {
	sessions *session.Manager
	orch     *orchestrator.Orchestrator
	archive  *archive.Client
	logger   *zap.Logger
}

func NewServer(sessions *session.Manager, orch *orchestrator.Orchestrator, arc *archive.Client, logger *zap.Logger) *Server {
	return &Server{sessions: sessions, orch: orch, archive: arc, logger: logger}
}

// Register wires all routes onto the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /session", s.handleCreateSession)
	mux.HandleFunc("GET /session/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /session/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /ws/{id}", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.archive != nil {
		mux.HandleFunc("GET /plan/{id}", s.handleGetPlan)
		mux.HandleFunc("GET /session/{id}/plans", s.handleListPlans)
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.sessions.GetOrCreate(r.Context(), "")
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "create session failed")
		return
	}
	s.writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.sessions.Load(r.Context(), r.PathValue("id"))
	if err == session.ErrSessionNotFound {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "load session failed")
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusInternalServerError, "delete session failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.sessions.ListSummaries(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list sessions failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": summaries})
}

// handleChat is the non-streaming entry point: it runs one full turn and
// returns the whole event sequence at once.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	// Resolve the session up front so a caller that omitted the id learns
	// the generated one and can address the session on the next turn.
	state, err := s.sessions.GetOrCreate(r.Context(), req.SessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "session storage unavailable")
		return
	}

	var events []orchestrator.Event
	for ev := range s.orch.ProcessTurn(r.Context(), state.ID, req.Message) {
		events = append(events, ev)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": state.ID,
		"events":     events,
	})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	archived, err := s.archive.GetPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "plan not found")
		return
	}
	s.writeJSON(w, http.StatusOK, archived)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.archive.ListPlans(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list plans failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"plans": plans})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
