// Package rag answers questions by retrieving the nearest stored document,
// folding in recent conversation turns and asking the language model.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/ragchat/internal/observability"
	"github.com/antoniostano/ragchat/internal/ollama"
	"github.com/antoniostano/ragchat/internal/policy"
	"github.com/antoniostano/ragchat/internal/prompt"
	"github.com/antoniostano/ragchat/internal/reliability"
	"github.com/antoniostano/ragchat/internal/retrieval"
	"github.com/antoniostano/ragchat/internal/session"
)

var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrRetrieval        = errors.New("retrieval failed")
	ErrGeneration       = errors.New("generation failed")
)

// Query is one question, optionally tied to a conversation.
type Query struct {
	Question  string `json:"q"`
	SessionID string `json:"session_id,omitempty"`
}

// Answer is the generated reply.
type Answer struct {
	Text string `json:"answer"`
}

// Config holds per-request limits. A zero timeout means no deadline beyond the
// caller's context.
type Config struct {
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
	Redactor          policy.Redactor
}

type Service struct {
	retriever retrieval.Retriever
	generator ollama.Generator
	sessions  *session.Manager
	metrics   *observability.Metrics
	cfg       Config
}

func NewService(
	retriever retrieval.Retriever,
	generator ollama.Generator,
	sessions *session.Manager,
	metrics *observability.Metrics,
	cfg Config,
) *Service {
	return &Service{
		retriever: retriever,
		generator: generator,
		sessions:  sessions,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// Answer runs retrieve, recall, compose, generate and record in order. When
// q.SessionID is empty the session store is not touched. With a non-nil
// onDelta, answer fragments are forwarded while the model is still generating.
func (s *Service) Answer(ctx context.Context, q Query, onDelta ollama.DeltaHandler) (Answer, error) {
	start := time.Now()
	if strings.TrimSpace(q.Question) == "" {
		s.countOutcome("malformed")
		return Answer{}, fmt.Errorf("%w: q is required", ErrMalformedRequest)
	}

	docText, err := s.retrieve(ctx, q.Question)
	if err != nil {
		s.countOutcome("retrieval_failed")
		return Answer{}, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}

	history := ""
	if q.SessionID != "" {
		waitStart := time.Now()
		release, err := s.sessions.Acquire(ctx, q.SessionID)
		if err != nil {
			s.countOutcome("canceled")
			return Answer{}, fmt.Errorf("acquire session: %w", err)
		}
		defer release()
		s.metrics.ObserveStage(observability.StageSessionWait, time.Since(waitStart))

		history = s.sessions.RenderHistory(q.SessionID)
		s.sessions.Append(q.SessionID, session.Turn{
			Role:    session.RoleUser,
			Content: s.cfg.Redactor.Apply(q.Question),
		})
	}

	text, err := s.generate(ctx, prompt.Build(history, docText, q.Question), onDelta)
	if err != nil {
		s.countOutcome("generation_failed")
		return Answer{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	if q.SessionID != "" {
		s.sessions.Append(q.SessionID, session.Turn{
			Role:    session.RoleAssistant,
			Content: s.cfg.Redactor.Apply(text),
		})
	}

	s.countOutcome("ok")
	s.metrics.ObserveStage(observability.StageTotal, time.Since(start))
	return Answer{Text: text}, nil
}

func (s *Service) retrieve(ctx context.Context, question string) (string, error) {
	ctx, cancel := withOptionalTimeout(ctx, s.cfg.RetrievalTimeout)
	defer cancel()

	start := time.Now()
	match, found, err := s.retriever.Nearest(ctx, question)
	s.metrics.ObserveStage(observability.StageRetrieve, time.Since(start))
	if err != nil {
		s.countBackendError("retrieval", err)
		return "", err
	}
	if !found {
		s.countRetrieval("miss")
		return "", nil
	}
	s.countRetrieval("hit")
	return match.Document.Text, nil
}

func (s *Service) generate(ctx context.Context, fullPrompt string, onDelta ollama.DeltaHandler) (string, error) {
	ctx, cancel := withOptionalTimeout(ctx, s.cfg.GenerationTimeout)
	defer cancel()

	start := time.Now()
	text, err := s.generator.Generate(ctx, fullPrompt, onDelta)
	s.metrics.ObserveStage(observability.StageGenerate, time.Since(start))
	if err != nil {
		s.countBackendError("generation", err)
		return "", err
	}
	return text, nil
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (s *Service) countOutcome(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Queries.WithLabelValues(outcome).Inc()
}

func (s *Service) countRetrieval(result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RetrievalHits.WithLabelValues(result).Inc()
}

func (s *Service) countBackendError(backend string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.BackendErrors.WithLabelValues(backend, reliability.Code(err)).Inc()
}
