package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/antoniostano/ragchat/internal/rag"
	"github.com/antoniostano/ragchat/internal/reliability"
)

type queryRequest struct {
	Q         *string `json:"q"`
	SessionID *string `json:"session_id"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Q == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "field q is required")
		return
	}
	if s.answerer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "query pipeline not configured")
		return
	}

	q := rag.Query{Question: *req.Q}
	if req.SessionID != nil {
		q.SessionID = *req.SessionID
	}

	ans, err := s.answerer.Answer(r.Context(), q, nil)
	s.syncSessionGauge()
	if err != nil {
		status, body := queryErrorResponse(err)
		if status >= 500 {
			log.Printf("query %s failed: %v", requestIDFrom(r.Context()), err)
		}
		respondJSON(w, status, body)
		return
	}
	respondJSON(w, http.StatusOK, ans)
}

// queryErrorResponse maps pipeline errors onto the HTTP contract: bad input is a
// 400, any backend failure is a 500 with no partial answer.
func queryErrorResponse(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, rag.ErrMalformedRequest):
		return http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request"}
	case errors.Is(err, rag.ErrRetrieval):
		return http.StatusInternalServerError, errorResponse{
			Error:     err.Error(),
			Code:      "retrieval_failed",
			Retryable: reliability.IsRetryable(err),
		}
	case errors.Is(err, rag.ErrGeneration):
		return http.StatusInternalServerError, errorResponse{
			Error:     err.Error(),
			Code:      "generation_failed",
			Retryable: reliability.IsRetryable(err),
		}
	case errors.Is(err, context.Canceled):
		return http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "canceled"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "internal"}
	}
}

func (s *Server) syncSessionGauge() {
	if s.metrics == nil || s.sessions == nil {
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.Len()))
}
