// Package ollama talks to a local Ollama server for text generation and embeddings.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DeltaHandler receives streamed answer fragments as they arrive.
type DeltaHandler func(delta string) error

// Generator produces answer text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, onDelta DeltaHandler) (string, error)
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config controls client construction.
type Config struct {
	Mode       string
	URL        string
	Model      string
	EmbedModel string
	// Dim sizes the vectors produced by the mock embedder.
	Dim int
}

// NewGenerator returns the generation backend selected by cfg.Mode.
func NewGenerator(cfg Config) (Generator, error) {
	switch normalizeMode(cfg.Mode) {
	case "ollama":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("ollama url is required for ollama mode")
		}
		if strings.TrimSpace(cfg.Model) == "" {
			return nil, errors.New("ollama model is required for ollama mode")
		}
		return NewHTTPClient(cfg.URL, cfg.Model, cfg.EmbedModel), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported generation backend %q", cfg.Mode)
	}
}

// NewEmbedder returns the embedding backend selected by cfg.Mode.
func NewEmbedder(cfg Config) (Embedder, error) {
	switch normalizeMode(cfg.Mode) {
	case "ollama":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("ollama url is required for ollama mode")
		}
		if strings.TrimSpace(cfg.EmbedModel) == "" {
			return nil, errors.New("ollama embedding model is required for ollama mode")
		}
		return NewHTTPClient(cfg.URL, cfg.Model, cfg.EmbedModel), nil
	case "mock":
		return NewMockEmbedder(cfg.Dim), nil
	default:
		return nil, fmt.Errorf("unsupported embedding backend %q", cfg.Mode)
	}
}

func normalizeMode(mode string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		return "ollama"
	}
	return mode
}
