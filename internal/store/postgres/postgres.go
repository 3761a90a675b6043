// Package postgres stores room documents in PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    room       TEXT PRIMARY KEY,
    data       BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store is a DocumentStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.DocumentStore = (*Store)(nil)

// Open connects to url, checks the connection and creates the table.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating documents table: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Load(ctx context.Context, room string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, "SELECT data FROM documents WHERE room = $1", room).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &store.PersistenceError{Op: "load", Room: room, Err: err}
	}
	return data, nil
}

func (s *Store) Save(ctx context.Context, room string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (room, data, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (room) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		room, data)
	if err != nil {
		return &store.PersistenceError{Op: "save", Room: room, Err: err}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
