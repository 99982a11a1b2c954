package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Dimensions is the embedding width of the chunk table.
const Dimensions = 768

// Chunk is one embeddable piece of a source document.
type Chunk struct {
	Collection  string
	Dataset     string
	Source      string
	Index       int
	Content     string
	Payload     map[string]any
	ContentHash string
}

// Store provides pgvector-backed chunk storage and search.
type Store struct {
	pool *pgxpool.Pool
}

type ranked struct {
	ID       int64
	Distance float64
}

// NewStore creates a new pgvector store and verifies the connection.
func NewStore(ctx context.Context, pgURL string) (*Store, error) {
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
	return &Store{pool: pool}, nil
}

// Init creates the pgvector extension, table, and indexes if they don't exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id           BIGSERIAL PRIMARY KEY,
			collection   TEXT NOT NULL,
			dataset      TEXT NOT NULL DEFAULT '',
			source       TEXT NOT NULL,
			chunk_index  INT NOT NULL,
			content      TEXT NOT NULL,
			payload      JSONB NOT NULL DEFAULT '{}',
			content_hash TEXT NOT NULL,
			embedding    vector(%d) NOT NULL,
			tsv          tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
			embedded_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (collection, source, chunk_index)
		)
	`, Dimensions))
	if err != nil {
		return fmt.Errorf("create chunks table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_chunks_hnsw ON knowledge_chunks
		 USING hnsw (embedding vector_cosine_ops) WITH (m = 16, ef_construction = 64)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_tsv ON knowledge_chunks USING gin (tsv)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_collection ON knowledge_chunks (collection, dataset)`,
	} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	slog.Info("knowledge store initialized")
	return nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// UpsertBatch stores chunks with their embeddings in a single transaction.
func (s *Store) UpsertBatch(ctx context.Context, chunks []Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("mismatched batch sizes: chunks=%d embeddings=%d", len(chunks), len(embeddings))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, c := range chunks {
		payload, err := json.Marshal(c.Payload)
		if err != nil {
			return fmt.Errorf("encode payload %s#%d: %w", c.Source, c.Index, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO knowledge_chunks
				(collection, dataset, source, chunk_index, content, payload, content_hash, embedding, embedded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			ON CONFLICT (collection, source, chunk_index) DO UPDATE
			SET dataset = EXCLUDED.dataset,
				content = EXCLUDED.content,
				payload = EXCLUDED.payload,
				content_hash = EXCLUDED.content_hash,
				embedding = EXCLUDED.embedding,
				embedded_at = now()
		`, c.Collection, c.Dataset, c.Source, c.Index, c.Content, payload, c.ContentHash, pgvector.NewVector(embeddings[i]))
		if err != nil {
			return fmt.Errorf("upsert chunk %s#%d: %w", c.Source, c.Index, err)
		}
	}
	return tx.Commit(ctx)
}

// Hashes returns the content hash of every stored chunk of collection,
// keyed by ChunkKey.
func (s *Store) Hashes(ctx context.Context, collection string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT source, chunk_index, content_hash FROM knowledge_chunks WHERE collection = $1", collection)
	if err != nil {
		return nil, fmt.Errorf("get hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var source, hash string
		var idx int
		if err := rows.Scan(&source, &idx, &hash); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		out[ChunkKey(source, idx)] = hash
	}
	return out, rows.Err()
}

// Prune deletes chunks of source at or beyond keep, left over when a
// document shrinks.
func (s *Store) Prune(ctx context.Context, collection, source string, keep int) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM knowledge_chunks WHERE collection = $1 AND source = $2 AND chunk_index >= $3",
		collection, source, keep)
	if err != nil {
		return fmt.Errorf("prune %s: %w", source, err)
	}
	return nil
}

// datasetClause renders the dataset condition for strategy, using
// parameter $n for the dataset list. An empty list matches every dataset.
func datasetClause(strategy Strategy, n int) string {
	op := "ALL"
	if strategy == StrategyShould {
		op = "ANY"
	}
	return fmt.Sprintf("(cardinality($%[1]d::text[]) = 0 OR dataset = %[2]s($%[1]d::text[]))", n, op)
}

func datasetArg(req SearchRequest) []string {
	if req.Datasets == nil {
		return []string{}
	}
	return req.Datasets
}

func (s *Store) vectorSearch(ctx context.Context, req SearchRequest, query []float32, limit int) ([]ranked, error) {
	sql := fmt.Sprintf(`
		SELECT id, embedding <=> $1 AS distance
		FROM knowledge_chunks
		WHERE collection = $2 AND %s
		ORDER BY embedding <=> $1
		LIMIT $4
	`, datasetClause(req.Strategy, 3))
	rows, err := s.pool.Query(ctx, sql, pgvector.NewVector(query), req.Collection, datasetArg(req), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []ranked
	for rows.Next() {
		var r ranked
		if err := rows.Scan(&r.ID, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan vector result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) keywordSearch(ctx context.Context, req SearchRequest, limit int) ([]ranked, error) {
	sql := fmt.Sprintf(`
		SELECT id, ts_rank(tsv, q) AS rank
		FROM knowledge_chunks, plainto_tsquery('english', $1) q
		WHERE collection = $2 AND tsv @@ q AND %s
		ORDER BY rank DESC
		LIMIT $4
	`, datasetClause(req.Strategy, 3))
	rows, err := s.pool.Query(ctx, sql, req.Query, req.Collection, datasetArg(req), limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var out []ranked
	for rows.Next() {
		var r ranked
		if err := rows.Scan(&r.ID, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan keyword result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) fetch(ctx context.Context, ids []int64) (map[int64]Hit, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, dataset, source, content, payload FROM knowledge_chunks WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, fmt.Errorf("fetch chunks: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]Hit, len(ids))
	for rows.Next() {
		var h Hit
		var payload []byte
		if err := rows.Scan(&h.ID, &h.Dataset, &h.Source, &h.Content, &payload); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := json.Unmarshal(payload, &h.Payload); err != nil {
			return nil, fmt.Errorf("decode payload %d: %w", h.ID, err)
		}
		out[h.ID] = h
	}
	return out, rows.Err()
}

// Stats returns the chunk count of collection.
func (s *Store) Stats(ctx context.Context, collection string) (count int, err error) {
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM knowledge_chunks WHERE collection = $1", collection).Scan(&count)
	return
}
