package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/antoniostano/ragchat/internal/ollama"
)

// Document is one stored entry of a collection.
type Document struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Match is the nearest document to a query. Distance is cosine distance
// (0 = identical direction).
type Match struct {
	Document Document `json:"document"`
	Distance float64  `json:"distance"`
}

// Retriever finds the single nearest stored document for a text query.
// found is false when the collection has nothing to return.
type Retriever interface {
	Nearest(ctx context.Context, query string) (match Match, found bool, err error)
}

// Indexer adds documents to a collection, embedding any that lack a vector.
// Adding an existing id replaces it.
type Indexer interface {
	Add(ctx context.Context, docs ...Document) error
}

// Store is a vector collection that can be both queried and loaded.
type Store interface {
	Retriever
	Indexer
	Count(ctx context.Context) (int, error)
	Close() error
}

var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrEmptyDocumentID   = errors.New("document id is required")
)

func embedMissing(ctx context.Context, embedder ollama.Embedder, docs []Document) ([]Document, error) {
	out := make([]Document, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			return nil, ErrEmptyDocumentID
		}
		if len(d.Embedding) == 0 {
			vec, err := embedder.Embed(ctx, d.Text)
			if err != nil {
				return nil, fmt.Errorf("embed document %q: %w", d.ID, err)
			}
			d.Embedding = vec
		}
		out[i] = d
	}
	return out, nil
}

// cosineDistance returns 1 - cosine similarity. Zero vectors are maximally distant.
func cosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1, nil
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), nil
}

// nearestScan keeps the closest candidate seen so far; the first wins ties.
type nearestScan struct {
	query []float32
	best  Match
	found bool
}

func (s *nearestScan) offer(doc Document) error {
	d, err := cosineDistance(s.query, doc.Embedding)
	if err != nil {
		return fmt.Errorf("document %q: %w", doc.ID, err)
	}
	if !s.found || d < s.best.Distance {
		s.best = Match{Document: doc, Distance: d}
		s.found = true
	}
	return nil
}
