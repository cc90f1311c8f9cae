package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/antoniostano/ragchat/internal/ollama"
	"github.com/antoniostano/ragchat/internal/reliability"
)

func TestChromaStoreNearest(t *testing.T) {
	var resolves atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/collections", func(w http.ResponseWriter, r *http.Request) {
		resolves.Add(1)
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["name"] != "docs" || req["get_or_create"] != true {
			t.Errorf("unexpected collection request: %+v", req)
		}
		_, _ = w.Write([]byte(`{"id":"c-123","name":"docs"}`))
	})
	mux.HandleFunc("/api/v1/collections/c-123/query", func(w http.ResponseWriter, r *http.Request) {
		var req chromaQueryRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.NResults != 1 || len(req.QueryEmbeddings) != 1 || len(req.QueryEmbeddings[0]) != 16 {
			t.Errorf("unexpected query request: %+v", req)
		}
		_, _ = w.Write([]byte(`{"ids":[["d1"]],"documents":[["X is a thing."]],"distances":[[0.12]]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewChromaStore(srv.URL, "docs", ollama.NewMockEmbedder(16))
	for i := 0; i < 2; i++ {
		m, found, err := s.Nearest(context.Background(), "What is X?")
		if err != nil {
			t.Fatalf("Nearest() error = %v", err)
		}
		if !found || m.Document.ID != "d1" || m.Document.Text != "X is a thing." || m.Distance != 0.12 {
			t.Fatalf("Nearest() = %+v found=%v", m, found)
		}
	}
	if got := resolves.Load(); got != 1 {
		t.Fatalf("collection resolved %d times, want 1", got)
	}
}

func TestChromaStoreNearestEmptyCollection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/collections", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"c-1","name":"docs"}`))
	})
	mux.HandleFunc("/api/v1/collections/c-1/query", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ids":[[]],"documents":[[]],"distances":[[]]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, found, err := NewChromaStore(srv.URL, "docs", ollama.NewMockEmbedder(8)).Nearest(context.Background(), "q")
	if err != nil || found {
		t.Fatalf("Nearest() found=%v err=%v, want not found", found, err)
	}
}

func TestChromaStoreStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, _, err := NewChromaStore(srv.URL, "docs", ollama.NewMockEmbedder(8)).Nearest(context.Background(), "q")
	var statusErr *reliability.StatusError
	if !errors.As(err, &statusErr) || statusErr.Backend != "chroma" {
		t.Fatalf("error = %v, want chroma StatusError", err)
	}
}

func TestChromaStoreAddUpserts(t *testing.T) {
	var got chromaUpsertRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/collections", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"c-9","name":"docs"}`))
	})
	mux.HandleFunc("/api/v1/collections/c-9/upsert", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`true`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewChromaStore(srv.URL, "docs", ollama.NewMockEmbedder(8))
	if err := s.Add(context.Background(), corpus...); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if len(got.IDs) != len(corpus) || got.IDs[0] != "france" || len(got.Embeddings[0]) != 8 {
		t.Fatalf("unexpected upsert payload: %+v", got)
	}
}
