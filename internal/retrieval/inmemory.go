package retrieval

import (
	"context"
	"fmt"
	"sync"

	"github.com/antoniostano/ragchat/internal/ollama"
)

// InMemoryStore is a process-local collection for development and tests.
type InMemoryStore struct {
	embedder ollama.Embedder

	mu    sync.RWMutex
	order []string
	docs  map[string]Document
}

func NewInMemoryStore(embedder ollama.Embedder) *InMemoryStore {
	return &InMemoryStore{
		embedder: embedder,
		docs:     make(map[string]Document),
	}
}

func (s *InMemoryStore) Add(ctx context.Context, docs ...Document) error {
	embedded, err := embedMissing(ctx, s.embedder, docs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range embedded {
		if _, ok := s.docs[d.ID]; !ok {
			s.order = append(s.order, d.ID)
		}
		s.docs[d.ID] = d
	}
	return nil
}

func (s *InMemoryStore) Nearest(ctx context.Context, query string) (Match, bool, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return Match{}, false, fmt.Errorf("embed query: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	scan := nearestScan{query: vec}
	for _, id := range s.order {
		if err := scan.offer(s.docs[id]); err != nil {
			return Match{}, false, err
		}
	}
	return scan.best, scan.found, nil
}

func (s *InMemoryStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs), nil
}

func (s *InMemoryStore) Close() error { return nil }
