package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/antoniostano/ragchat/internal/config"
	"github.com/antoniostano/ragchat/internal/httpapi"
	"github.com/antoniostano/ragchat/internal/observability"
	"github.com/antoniostano/ragchat/internal/ollama"
	"github.com/antoniostano/ragchat/internal/policy"
	"github.com/antoniostano/ragchat/internal/rag"
	"github.com/antoniostano/ragchat/internal/retrieval"
	"github.com/antoniostano/ragchat/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Service  *rag.Service
	Store    retrieval.Store
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release the collection backend.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	generator, err := ollama.NewGenerator(ollamaConfig(cfg))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("generation backend init failed: %w", err)
	}

	sessions := session.NewManager(session.Options{
		MaxTurns:    cfg.MemoryMaxTurns,
		IdleTTL:     cfg.MemorySessionIdleTTL,
		MaxSessions: cfg.MemoryMaxSessions,
	})
	sessions.SetExpireHook(func(_ string, reason string) {
		metrics.SessionEvents.WithLabelValues(reason).Inc()
		metrics.ActiveSessions.Set(float64(sessions.Len()))
	})

	service := rag.NewService(store, generator, sessions, metrics, rag.Config{
		RetrievalTimeout:  cfg.RetrievalTimeout,
		GenerationTimeout: cfg.GenerationTimeout,
		Redactor:          policy.Redactor{Enabled: cfg.MemoryRedactPII},
	})

	api := httpapi.New(cfg, sessions, service, store, metrics)

	cleanup := func() error {
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Service:  service,
		Store:    store,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

// OpenStore opens the configured document collection together with the
// embedder that vectorizes queries and documents for it.
func OpenStore(ctx context.Context, cfg config.Config) (retrieval.Store, error) {
	embedder, err := ollama.NewEmbedder(ollamaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("embedding backend init failed: %w", err)
	}
	store, err := retrieval.NewStore(ctx, retrieval.Config{
		Backend:      cfg.RetrievalBackend,
		Collection:   cfg.RetrievalCollection,
		BoltPath:     cfg.RetrievalBoltPath,
		SQLitePath:   cfg.RetrievalSQLitePath,
		DatabaseURL:  cfg.DatabaseURL,
		ChromaURL:    cfg.ChromaURL,
		EmbeddingDim: cfg.RetrievalEmbeddingDim,
	}, embedder)
	if err != nil {
		return nil, fmt.Errorf("retrieval store init failed: %w", err)
	}
	return store, nil
}

// ollamaConfig derives the model client settings. The embedder follows the
// generation backend, so GENERATION_BACKEND=mock runs fully offline.
func ollamaConfig(cfg config.Config) ollama.Config {
	return ollama.Config{
		Mode:       cfg.GenerationBackend,
		URL:        cfg.OllamaURL,
		Model:      cfg.OllamaModel,
		EmbedModel: cfg.OllamaEmbedModel,
		Dim:        cfg.RetrievalEmbeddingDim,
	}
}
