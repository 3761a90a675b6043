// Package bolt stores room documents in a single bbolt file.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/store"
)

var bucketDocuments = []byte("documents")

// Store is a DocumentStore backed by bbolt. Keys are room names.
type Store struct {
	db *bolt.DB
}

var _ store.DocumentStore = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocuments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Load(_ context.Context, room string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDocuments).Get([]byte(room))
		if v == nil {
			return store.ErrNotFound
		}
		// v is only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, &store.PersistenceError{Op: "load", Room: room, Err: err}
	}
	return data, nil
}

func (s *Store) Save(_ context.Context, room string, data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(room), data)
	})
	if err != nil {
		return &store.PersistenceError{Op: "save", Room: room, Err: err}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
