package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/ragchat/internal/ollama"
)

// PostgresStore keeps collections in PostgreSQL with the pgvector extension and
// lets the database pick the nearest row.
type PostgresStore struct {
	pool       *pgxpool.Pool
	collection string
	dim        int
	embedder   ollama.Embedder
}

func NewPostgresStore(ctx context.Context, databaseURL, collection string, dim int, embedder ollama.Embedder) (*PostgresStore, error) {
	if dim <= 0 {
		return nil, errors.New("embedding dimension must be positive")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, collection: collection, dim: dim, embedder: embedder}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rag_documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		);`, dim),
		`CREATE INDEX IF NOT EXISTS idx_rag_documents_embedding ON rag_documents USING hnsw (embedding vector_cosine_ops);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Add(ctx context.Context, docs ...Document) error {
	embedded, err := embedMissing(ctx, s.embedder, docs)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, d := range embedded {
		if len(d.Embedding) != s.dim {
			return fmt.Errorf("document %q: %w: %d != %d", d.ID, ErrDimensionMismatch, len(d.Embedding), s.dim)
		}
		batch.Queue(
			`INSERT INTO rag_documents (collection, id, content, embedding)
			 VALUES ($1, $2, $3, $4::vector)
			 ON CONFLICT (collection, id) DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding`,
			s.collection, d.ID, d.Text, vectorLiteral(d.Embedding),
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save documents: %w", err)
	}
	return nil
}

func (s *PostgresStore) Nearest(ctx context.Context, query string) (Match, bool, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return Match{}, false, fmt.Errorf("embed query: %w", err)
	}
	if len(vec) != s.dim {
		return Match{}, false, fmt.Errorf("query: %w: %d != %d", ErrDimensionMismatch, len(vec), s.dim)
	}

	var m Match
	err = s.pool.QueryRow(ctx,
		`SELECT id, content, embedding <=> $2::vector AS distance
		 FROM rag_documents WHERE collection = $1
		 ORDER BY distance ASC LIMIT 1`,
		s.collection,
		vectorLiteral(vec),
	).Scan(&m.Document.ID, &m.Document.Text, &m.Distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return Match{}, false, nil
	}
	if err != nil {
		return Match{}, false, fmt.Errorf("query nearest document: %w", err)
	}
	return m, true, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rag_documents WHERE collection = $1`, s.collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// vectorLiteral renders v in pgvector's text input format, e.g. "[0.1,0.2]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 8)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
