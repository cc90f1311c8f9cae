package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/antoniostano/ragchat/internal/ollama"
)

// BoltStore keeps a collection in a local bbolt file: one bucket per collection,
// one JSON-encoded document per key. Queries scan the bucket.
type BoltStore struct {
	db         *bolt.DB
	collection []byte
	embedder   ollama.Embedder
}

func NewBoltStore(path, collection string, embedder ollama.Embedder) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create bolt dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	s := &BoltStore{db: db, collection: []byte(collection), embedder: embedder}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.collection)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create collection %q: %w", collection, err)
	}
	return s, nil
}

func (s *BoltStore) Add(ctx context.Context, docs ...Document) error {
	embedded, err := embedMissing(ctx, s.embedder, docs)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.collection)
		for _, d := range embedded {
			raw, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("encode document %q: %w", d.ID, err)
			}
			if err := b.Put([]byte(d.ID), raw); err != nil {
				return fmt.Errorf("put document %q: %w", d.ID, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Nearest(ctx context.Context, query string) (Match, bool, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return Match{}, false, fmt.Errorf("embed query: %w", err)
	}
	scan := nearestScan{query: vec}
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.collection).ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var d Document
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode document: %w", err)
			}
			return scan.offer(d)
		})
	})
	if err != nil {
		return Match{}, false, err
	}
	return scan.best, scan.found, nil
}

func (s *BoltStore) Count(context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(s.collection).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
