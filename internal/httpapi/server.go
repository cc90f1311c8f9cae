package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/ragchat/internal/config"
	"github.com/antoniostano/ragchat/internal/observability"
	"github.com/antoniostano/ragchat/internal/ollama"
	"github.com/antoniostano/ragchat/internal/rag"
	"github.com/antoniostano/ragchat/internal/session"
)

// Answerer runs the question answering pipeline.
type Answerer interface {
	Answer(ctx context.Context, q rag.Query, onDelta ollama.DeltaHandler) (rag.Answer, error)
}

// DocumentCounter reports how many documents the retrieval collection holds.
type DocumentCounter interface {
	Count(ctx context.Context) (int, error)
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	answerer Answerer
	docs     DocumentCounter
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	static   fs.FS
}

func New(cfg config.Config, sessions *session.Manager, answerer Answerer, docs DocumentCounter, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		answerer: answerer,
		docs:     docs,
		metrics:  metrics,
		static:   newStaticFS(cfg.StaticDir),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(s.static))))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/query", s.handleQuery)
	r.Get("/query/ws", s.handleQueryWS)
	r.Get("/v1/sessions/{id}/history", s.handleSessionHistory)
	r.Delete("/v1/sessions/{id}", s.handleDeleteSession)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"retrieval_backend": s.cfg.RetrievalBackend,
		"generation_model":  s.cfg.OllamaModel,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.docs == nil {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	n, err := s.docs.Count(ctx)
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"documents": n,
		"sessions":  s.sessions.Len(),
	})
}

type requestIDKey struct{}

const requestIDHeader = "X-Request-ID"

// requestID tags every request with an id, reusing the caller's when present.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response failed: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
