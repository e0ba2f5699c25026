package recall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Entry is one archived exchange.
type Entry struct {
	UserID int64
	Msg    string
	Reply  string
	At     time.Time
	Hash   string
}

// Hit is an Entry returned by Search with its cosine distance.
type Hit struct {
	Entry
	Distance float64 // lower is more similar
}

// PGStore keeps exchange embeddings in pgvector.
type PGStore struct {
	pool *pgxpool.Pool
	dims int
}

// NewPGStore connects and verifies the connection. dims is the embedding
// width of the TEI model (768 for nomic-embed-text).
func NewPGStore(ctx context.Context, pgURL string, dims int) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if dims <= 0 {
		dims = 768
	}
	return &PGStore{pool: pool, dims: dims}, nil
}

// Init creates the extension, table and indexes if missing.
func (s *PGStore) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS recall_exchanges (
			id           BIGSERIAL PRIMARY KEY,
			user_id      BIGINT NOT NULL,
			msg          TEXT NOT NULL,
			reply        TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			embedding    vector(%d) NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			UNIQUE (user_id, content_hash)
		)
	`, s.dims))
	if err != nil {
		return fmt.Errorf("create recall table: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_recall_hnsw
		ON recall_exchanges
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}
	slog.Info("recall store initialized", "dims", s.dims)
	return nil
}

// Close closes the pool.
func (s *PGStore) Close() { s.pool.Close() }

// Insert stores an exchange. Re-inserting the same content for a user is a
// no-op.
func (s *PGStore) Insert(ctx context.Context, e Entry, embedding []float32) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recall_exchanges (user_id, msg, reply, content_hash, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, content_hash) DO NOTHING
	`, e.UserID, e.Msg, e.Reply, e.Hash, pgvector.NewVector(embedding), e.At)
	if err != nil {
		return fmt.Errorf("insert recall entry for %d: %w", e.UserID, err)
	}
	return nil
}

// Search returns the user's top-K exchanges by cosine distance.
func (s *PGStore) Search(ctx context.Context, userID int64, query []float32, limit int) ([]Hit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, msg, reply, content_hash, created_at, embedding <=> $2 AS distance
		FROM recall_exchanges
		WHERE user_id = $1
		ORDER BY embedding <=> $2
		LIMIT $3
	`, userID, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.UserID, &h.Msg, &h.Reply, &h.Hash, &h.At, &h.Distance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Forget removes every entry of the user.
func (s *PGStore) Forget(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM recall_exchanges WHERE user_id = $1", userID)
	if err != nil {
		return fmt.Errorf("forget recall for %d: %w", userID, err)
	}
	return nil
}

// Count returns the number of archived exchanges.
func (s *PGStore) Count(ctx context.Context) (count int, err error) {
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM recall_exchanges").Scan(&count)
	return
}
