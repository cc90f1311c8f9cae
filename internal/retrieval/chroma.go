package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/antoniostano/ragchat/internal/ollama"
	"github.com/antoniostano/ragchat/internal/reliability"
)

// ChromaStore queries a Chroma server over its REST API. Query vectors are
// computed locally, so the collection must have been loaded with the same
// embedding model.
type ChromaStore struct {
	baseURL    string
	collection string
	embedder   ollama.Embedder
	client     *http.Client

	mu           sync.Mutex
	collectionID string
}

func NewChromaStore(baseURL, collection string, embedder ollama.Embedder) *ChromaStore {
	return &ChromaStore{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		collection: collection,
		embedder:   embedder,
		client:     &http.Client{},
	}
}

type chromaCollection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type chromaQueryRequest struct {
	QueryEmbeddings [][]float32 `json:"query_embeddings"`
	NResults        int         `json:"n_results"`
	Include         []string    `json:"include"`
}

type chromaQueryResponse struct {
	IDs       [][]string  `json:"ids"`
	Documents [][]*string `json:"documents"`
	Distances [][]float64 `json:"distances"`
}

type chromaUpsertRequest struct {
	IDs        []string    `json:"ids"`
	Embeddings [][]float32 `json:"embeddings"`
	Documents  []string    `json:"documents"`
}

func (s *ChromaStore) Nearest(ctx context.Context, query string) (Match, bool, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return Match{}, false, fmt.Errorf("embed query: %w", err)
	}
	id, err := s.resolveCollection(ctx)
	if err != nil {
		return Match{}, false, err
	}

	var out chromaQueryResponse
	if err := s.call(ctx, "/api/v1/collections/"+url.PathEscape(id)+"/query", chromaQueryRequest{
		QueryEmbeddings: [][]float32{vec},
		NResults:        1,
		Include:         []string{"documents", "distances"},
	}, &out); err != nil {
		return Match{}, false, err
	}

	if len(out.IDs) == 0 || len(out.IDs[0]) == 0 {
		return Match{}, false, nil
	}
	m := Match{Document: Document{ID: out.IDs[0][0]}}
	if len(out.Documents) > 0 && len(out.Documents[0]) > 0 && out.Documents[0][0] != nil {
		m.Document.Text = *out.Documents[0][0]
	}
	if len(out.Distances) > 0 && len(out.Distances[0]) > 0 {
		m.Distance = out.Distances[0][0]
	}
	return m, true, nil
}

func (s *ChromaStore) Add(ctx context.Context, docs ...Document) error {
	embedded, err := embedMissing(ctx, s.embedder, docs)
	if err != nil {
		return err
	}
	if len(embedded) == 0 {
		return nil
	}
	id, err := s.resolveCollection(ctx)
	if err != nil {
		return err
	}
	req := chromaUpsertRequest{
		IDs:        make([]string, len(embedded)),
		Embeddings: make([][]float32, len(embedded)),
		Documents:  make([]string, len(embedded)),
	}
	for i, d := range embedded {
		req.IDs[i] = d.ID
		req.Embeddings[i] = d.Embedding
		req.Documents[i] = d.Text
	}
	return s.call(ctx, "/api/v1/collections/"+url.PathEscape(id)+"/upsert", req, nil)
}

func (s *ChromaStore) Count(ctx context.Context) (int, error) {
	id, err := s.resolveCollection(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.do(ctx, http.MethodGet, "/api/v1/collections/"+url.PathEscape(id)+"/count", nil, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *ChromaStore) Close() error { return nil }

// resolveCollection looks up (or creates) the collection once and caches its id.
func (s *ChromaStore) resolveCollection(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collectionID != "" {
		return s.collectionID, nil
	}
	var col chromaCollection
	if err := s.call(ctx, "/api/v1/collections", map[string]any{
		"name":          s.collection,
		"get_or_create": true,
	}, &col); err != nil {
		return "", fmt.Errorf("resolve chroma collection %q: %w", s.collection, err)
	}
	if col.ID == "" {
		return "", fmt.Errorf("chroma returned no id for collection %q", s.collection)
	}
	s.collectionID = col.ID
	return col.ID, nil
}

func (s *ChromaStore) call(ctx context.Context, path string, in, out any) error {
	return s.do(ctx, http.MethodPost, path, in, out)
}

func (s *ChromaStore) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &reliability.StatusError{
			Backend:    "chroma",
			StatusCode: res.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode chroma response: %w", err)
	}
	return nil
}
