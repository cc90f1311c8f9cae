package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/ragchat/internal/session"
)

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	turns := s.sessions.Turns(id)
	if turns == nil {
		turns = []session.Turn{}
	}
	respondJSON(w, http.StatusOK, session.HistoryResponse{
		SessionID: id,
		MaxTurns:  s.sessions.MaxTurns(),
		Turns:     turns,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessions.Delete(id) {
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("deleted").Inc()
	}
	s.syncSessionGauge()
	w.WriteHeader(http.StatusNoContent)
}
