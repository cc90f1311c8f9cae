package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/antoniostano/ragchat/internal/ollama"
)

// SQLiteStore keeps collections in a single SQLite file with embeddings stored
// as little-endian float32 blobs.
type SQLiteStore struct {
	db         *sql.DB
	collection string
	embedder   ollama.Embedder
}

func NewSQLiteStore(path, collection string, embedder ollama.Embedder) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := initSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, collection: collection, embedder: embedder}, nil
}

func initSQLiteSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Add(ctx context.Context, docs ...Document) error {
	embedded, err := embedMissing(ctx, s.embedder, docs)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, d := range embedded {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO documents (collection, id, content, embedding) VALUES (?, ?, ?, ?)
			 ON CONFLICT(collection, id) DO UPDATE SET content=excluded.content, embedding=excluded.embedding`,
			s.collection, d.ID, d.Text, encodeVector(d.Embedding),
		)
		if err != nil {
			return fmt.Errorf("save document %q: %w", d.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit documents: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Nearest(ctx context.Context, query string) (Match, bool, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return Match{}, false, fmt.Errorf("embed query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, embedding FROM documents WHERE collection = ? ORDER BY rowid`,
		s.collection,
	)
	if err != nil {
		return Match{}, false, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	scan := nearestScan{query: vec}
	for rows.Next() {
		var (
			d    Document
			blob []byte
		)
		if err := rows.Scan(&d.ID, &d.Text, &blob); err != nil {
			return Match{}, false, fmt.Errorf("scan document row: %w", err)
		}
		d.Embedding = decodeVector(blob)
		if err := scan.offer(d); err != nil {
			return Match{}, false, err
		}
	}
	if err := rows.Err(); err != nil {
		return Match{}, false, fmt.Errorf("iterate document rows: %w", err)
	}
	return scan.best, scan.found, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection = ?`, s.collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
