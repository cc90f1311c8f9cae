package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/antoniostano/ragchat/internal/ollama"
)

// Config selects and locates the collection backend.
type Config struct {
	Backend      string
	Collection   string
	BoltPath     string
	SQLitePath   string
	DatabaseURL  string
	ChromaURL    string
	EmbeddingDim int
}

// NewStore opens the configured collection. "mock" keeps documents in memory.
func NewStore(ctx context.Context, cfg Config, embedder ollama.Embedder) (Store, error) {
	collection := strings.TrimSpace(cfg.Collection)
	if collection == "" {
		collection = "docs"
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "bolt":
		return NewBoltStore(cfg.BoltPath, collection, embedder)
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, collection, embedder)
	case "pgvector", "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the pgvector backend")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL, collection, cfg.EmbeddingDim, embedder)
	case "chroma":
		if strings.TrimSpace(cfg.ChromaURL) == "" {
			return nil, fmt.Errorf("CHROMA_URL is required for the chroma backend")
		}
		return NewChromaStore(cfg.ChromaURL, collection, embedder), nil
	case "mock", "memory":
		return NewInMemoryStore(embedder), nil
	default:
		return nil, fmt.Errorf("unsupported retrieval backend %q", cfg.Backend)
	}
}
