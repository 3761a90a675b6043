// Package redisstore stores room documents as Redis string values.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/store"
)

// DefaultPrefix namespaces document keys.
const DefaultPrefix = "vibecanvas:doc:"

// Store is a DocumentStore backed by Redis.
type Store struct {
	rdb    *redis.Client
	prefix string
}

var _ store.DocumentStore = (*Store)(nil)

// Open connects to addr and pings it.
func Open(ctx context.Context, addr, prefix string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	return New(rdb, prefix), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(room string) string {
	return s.prefix + room
}

func (s *Store) Load(ctx context.Context, room string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.key(room)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &store.PersistenceError{Op: "load", Room: room, Err: err}
	}
	return data, nil
}

func (s *Store) Save(ctx context.Context, room string, data []byte) error {
	if err := s.rdb.Set(ctx, s.key(room), data, 0).Err(); err != nil {
		return &store.PersistenceError{Op: "save", Room: room, Err: err}
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
