package callstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/parley/internal/call"
)

// Schema is the SQL DDL for the calls table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment. The schema
// version is encoded in the table name; migrations are by rewrite into a new
// table, not in-place.
const Schema = `
CREATE TABLE IF NOT EXISTS calls_v1 (
    phone_number TEXT        NOT NULL,
    id           UUID        NOT NULL,
    version      BIGINT      NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL,
    doc          JSONB       NOT NULL,
    PRIMARY KEY (phone_number, id)
);
CREATE INDEX IF NOT EXISTS idx_calls_v1_created ON calls_v1(created_at);
CREATE INDEX IF NOT EXISTS idx_calls_v1_claim_phone ON calls_v1 USING HASH ((doc->'claim'->>'policyholder_phone'));
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL. Each call is a single
// JSONB document keyed by (phone_number, id); the version column carries the
// optimistic-concurrency counter redundantly with the document so that the
// conflict check runs entirely inside the UPDATE predicate.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store using the given connection or pool.
// Call [PostgresStore.Migrate] once before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("callstore: migrate: %w: %w", ErrTransient, err)
	}
	return nil
}

// GetLast implements [Store].
func (s *PostgresStore) GetLast(ctx context.Context, phoneNumber string) (*call.Call, error) {
	row := s.db.QueryRow(ctx,
		`SELECT doc FROM calls_v1 WHERE phone_number = $1 ORDER BY created_at DESC LIMIT 1`,
		phoneNumber)
	return scanDoc(row)
}

// GetByID implements [Store].
func (s *PostgresStore) GetByID(ctx context.Context, phoneNumber, id string) (*call.Call, error) {
	row := s.db.QueryRow(ctx,
		`SELECT doc FROM calls_v1 WHERE phone_number = $1 AND id = $2`,
		phoneNumber, id)
	return scanDoc(row)
}

// Save implements [Store]. The version predicate inside the ON CONFLICT
// update makes the conflict check atomic: zero affected rows on an existing
// call means the stored version moved under us.
func (s *PostgresStore) Save(ctx context.Context, c *call.Call) error {
	next := c.Clone()
	next.Version++
	next.UpdatedAt = time.Now()

	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("callstore: marshal call %s: %w", c.ID, err)
	}

	tag, err := s.db.Exec(ctx, `
INSERT INTO calls_v1 (phone_number, id, version, created_at, updated_at, doc)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (phone_number, id) DO UPDATE
    SET version = EXCLUDED.version,
        updated_at = EXCLUDED.updated_at,
        doc = EXCLUDED.doc
    WHERE calls_v1.version = $7`,
		next.Initiate.CallerPhoneNumber, next.ID, next.Version,
		next.CreatedAt, next.UpdatedAt, doc, c.Version)
	if err != nil {
		return fmt.Errorf("callstore: save %s: %w: %w", c.ID, ErrTransient, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("callstore: save %s at v%d: %w", c.ID, c.Version, ErrConflict)
	}

	c.Version = next.Version
	c.UpdatedAt = next.UpdatedAt
	return nil
}

// ListByPhone implements [Store].
func (s *PostgresStore) ListByPhone(ctx context.Context, phoneNumber string, limit int) ([]*call.Call, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx,
		`SELECT doc FROM calls_v1 WHERE phone_number = $1 ORDER BY created_at DESC LIMIT $2`,
		phoneNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("callstore: list %s: %w: %w", phoneNumber, ErrTransient, err)
	}
	defer rows.Close()

	var out []*call.Call
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("callstore: scan: %w", err)
		}
		var c call.Call
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, fmt.Errorf("callstore: unmarshal: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callstore: list %s: %w: %w", phoneNumber, ErrTransient, err)
	}
	return out, nil
}

func scanDoc(row pgx.Row) (*call.Call, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("callstore: query: %w: %w", ErrTransient, err)
	}
	var c call.Call
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("callstore: unmarshal: %w", err)
	}
	return &c, nil
}
