package kv

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores every document in a single table keyed by entity key, with
// a version column driving compare-and-swap writes.
type Postgres struct {
	DB *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{DB: db}
}

// EnsureSchema creates the documents table if missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS documents(
  key        text PRIMARY KEY,
  value      jsonb NOT NULL,
  version    bigint NOT NULL DEFAULT 1,
  updated_at timestamptz NOT NULL DEFAULT now()
)`)
	return err
}

func (s *Postgres) Get(ctx context.Context, key string) (Document, error) {
	var doc Document
	doc.Key = key
	err := s.DB.QueryRow(ctx, `SELECT value, version FROM documents WHERE key=$1`, key).
		Scan(&doc.Value, &doc.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return doc, nil
}

func (s *Postgres) Create(ctx context.Context, key string, value []byte) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO documents(key,value,version) VALUES($1,$2::jsonb,1)`, key, string(value))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrExists
		}
		return err
	}
	return nil
}

func (s *Postgres) Put(ctx context.Context, key string, value []byte, version int64) error {
	if version == 0 {
		err := s.Create(ctx, key, value)
		if errors.Is(err, ErrExists) {
			return ErrConflict
		}
		return err
	}
	tag, err := s.DB.Exec(ctx, `
UPDATE documents SET value=$2::jsonb, version=version+1, updated_at=now()
WHERE key=$1 AND version=$3`, key, string(value), version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, key string) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM documents WHERE key=$1`, key)
	return err
}

func (s *Postgres) List(ctx context.Context, prefix string) ([]Document, error) {
	rows, err := s.DB.Query(ctx, `
SELECT key, value, version FROM documents WHERE key LIKE $1 || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.Key, &doc.Value, &doc.Version); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}
