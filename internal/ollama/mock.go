package ollama

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// MockGenerator returns deterministic replies when no model server is available.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, prompt string, onDelta DeltaHandler) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	text := buildMockReply(prompt)
	if onDelta != nil {
		if err := onDelta(text); err != nil {
			return "", err
		}
	}
	return text, nil
}

func buildMockReply(prompt string) string {
	question := ""
	if i := strings.LastIndex(prompt, "Question: "); i >= 0 {
		question = prompt[i+len("Question: "):]
		if j := strings.Index(question, "\n"); j >= 0 {
			question = question[:j]
		}
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "I have nothing to answer."
	}
	return fmt.Sprintf("You asked: %s", question)
}

// MockEmbedder hashes lowercase words into a fixed number of buckets and
// L2-normalizes the result, so texts sharing words land close together.
type MockEmbedder struct {
	dim int
}

func NewMockEmbedder(dim int) *MockEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &MockEmbedder{dim: dim}
}

func (e *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, e.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[int(h.Sum32()%uint32(e.dim))]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
