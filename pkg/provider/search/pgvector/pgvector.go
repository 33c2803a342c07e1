// Package pgvector provides a search.Provider backed by a PostgreSQL
// documents table with a pgvector HNSW index for approximate
// nearest-neighbour retrieval.
package pgvector

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgv "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/parley/pkg/provider/embeddings"
	"github.com/MrWong99/parley/pkg/provider/search"
)

// SchemaFmt is the SQL DDL for the documents table. The %d placeholder is
// the embedding dimensionality of the configured embeddings provider.
const SchemaFmt = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS documents (
    id         TEXT PRIMARY KEY,
    content    TEXT NOT NULL,
    source     TEXT NOT NULL DEFAULT '',
    embedding  vector(%d) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_documents_embedding
    ON documents USING hnsw (embedding vector_cosine_ops);
`

// DB is the database interface used by [Provider]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Provider implements search.Provider with cosine-distance retrieval over a
// pgvector-indexed documents table.
type Provider struct {
	db       DB
	embedder embeddings.Provider
}

var _ search.Provider = (*Provider)(nil)

// New creates a Provider. Call [Provider.Migrate] once before querying.
func New(db DB, embedder embeddings.Provider) (*Provider, error) {
	if db == nil {
		return nil, errors.New("pgvector: db must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("pgvector: embedder must not be nil")
	}
	return &Provider{db: db, embedder: embedder}, nil
}

// Migrate executes the schema DDL sized to the embedder's dimensionality.
func (p *Provider) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, fmt.Sprintf(SchemaFmt, p.embedder.Dimensions())); err != nil {
		return fmt.Errorf("pgvector: migrate: %w", err)
	}
	return nil
}

// Index upserts one document snippet into the corpus.
func (p *Provider) Index(ctx context.Context, id, content, source string) error {
	vec, err := p.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("pgvector: embed %q: %w", id, err)
	}
	_, err = p.db.Exec(ctx, `
INSERT INTO documents (id, content, source, embedding)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
    SET content = EXCLUDED.content,
        source = EXCLUDED.source,
        embedding = EXCLUDED.embedding`,
		id, content, source, pgv.NewVector(vec))
	if err != nil {
		return fmt.Errorf("pgvector: index %q: %w", id, err)
	}
	return nil
}

// Search implements search.Provider. Results are ordered by ascending cosine
// distance (most similar first).
func (p *Provider) Search(ctx context.Context, query string, k int) ([]search.Snippet, error) {
	if k <= 0 {
		k = 5
	}
	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgvector: embed query: %w", err)
	}

	rows, err := p.db.Query(ctx, `
SELECT content, source, 1 - (embedding <=> $1) AS score
FROM documents
ORDER BY embedding <=> $1
LIMIT $2`, pgv.NewVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	defer rows.Close()

	var out []search.Snippet
	for rows.Next() {
		var s search.Snippet
		if err := rows.Scan(&s.Text, &s.Source, &s.Score); err != nil {
			return nil, fmt.Errorf("pgvector: scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	return out, nil
}
