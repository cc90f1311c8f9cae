package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/antoniostano/ragchat/internal/reliability"
)

func TestHTTPClientGenerate(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %q, want /api/generate", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"mistral:latest","response":"X is a thing, in short.","done":true}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "mistral:latest", "nomic-embed-text")
	text, err := c.Generate(context.Background(), "prompt body", nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "X is a thing, in short." {
		t.Fatalf("Generate() = %q", text)
	}
	if got.Model != "mistral:latest" || got.Prompt != "prompt body" || got.Stream {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestHTTPClientGenerateStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Errorf("stream = false, want true")
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, part := range []string{"Hel", "lo", ""} {
			fmt.Fprintf(w, "{\"response\":%q,\"done\":%v}\n", part, part == "")
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "mistral:latest", "")
	var deltas []string
	text, err := c.Generate(context.Background(), "p", func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "Hello" {
		t.Fatalf("text = %q, want %q", text, "Hello")
	}
	if strings.Join(deltas, "|") != "Hel|lo" {
		t.Fatalf("deltas = %q", deltas)
	}
}

func TestHTTPClientGenerateStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "mistral:latest", "")
	_, err := c.Generate(context.Background(), "p", nil)
	var statusErr *reliability.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want *reliability.StatusError", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("StatusCode = %d, want 503", statusErr.StatusCode)
	}
	if !reliability.IsRetryable(err) {
		t.Fatalf("503 should be classified retryable")
	}
}

func TestConsumeNDJSONStreamError(t *testing.T) {
	_, err := consumeNDJSON(strings.NewReader("{\"response\":\"a\"}\n{\"error\":\"out of memory\"}\n"), func(string) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "out of memory") {
		t.Fatalf("consumeNDJSON() error = %v, want stream error", err)
	}
}

func TestConsumeNDJSONRequiresDone(t *testing.T) {
	var deltas []string
	text, err := consumeNDJSON(strings.NewReader("{\"response\":\"The answer is\",\"done\":false}\n"), func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if !errors.Is(err, errStreamTruncated) {
		t.Fatalf("consumeNDJSON() error = %v, want %v", err, errStreamTruncated)
	}
	if text != "" {
		t.Fatalf("consumeNDJSON() text = %q, want empty on truncation", text)
	}
	if len(deltas) != 1 {
		t.Fatalf("deltas = %q, want the fragment seen before the cut", deltas)
	}
}

func TestHTTPClientGenerateDroppedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte("{\"response\":\"The answer is\",\"done\":false}\n"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "mistral:latest", "")
	text, err := c.Generate(context.Background(), "p", func(string) error { return nil })
	if !errors.Is(err, errStreamTruncated) {
		t.Fatalf("Generate() error = %v, want %v", err, errStreamTruncated)
	}
	if text != "" {
		t.Fatalf("Generate() text = %q, want empty", text)
	}

	if _, err := c.Generate(context.Background(), "p", nil); !errors.Is(err, errStreamTruncated) {
		t.Fatalf("buffered Generate() error = %v, want %v", err, errStreamTruncated)
	}
}

func TestHTTPClientEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if r.URL.Path != "/api/embeddings" || req.Model != "nomic-embed-text" || req.Prompt != "hello" {
			t.Errorf("unexpected embed call %s %+v", r.URL.Path, req)
		}
		_, _ = w.Write([]byte(`{"embedding":[0.5,0.25,-1]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "nomic-embed-text")
	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.5 || vec[2] != -1 {
		t.Fatalf("Embed() = %v", vec)
	}
}
