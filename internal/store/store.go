// Package store persists encoded room documents.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by Load when a room has never been saved.
var ErrNotFound = errors.New("document not found")

// DocumentStore persists the encoded state of a room's document.
type DocumentStore interface {
	// Load returns the last saved bytes for room, or ErrNotFound.
	Load(ctx context.Context, room string) ([]byte, error)

	// Save replaces the stored bytes for room.
	Save(ctx context.Context, room string, data []byte) error

	// Close releases the backend.
	Close() error
}

// PersistenceError wraps a backend failure.
type PersistenceError struct {
	Op   string
	Room string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s document %q: %v", e.Op, e.Room, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Ensure Memory implements the interface.
var _ DocumentStore = (*Memory)(nil)

// Memory keeps documents in process memory. Contents are lost on exit.
type Memory struct {
	mu        sync.RWMutex
	documents map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{documents: make(map[string][]byte)}
}

// Load returns a copy of the stored bytes.
func (s *Memory) Load(_ context.Context, room string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.documents[room]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Save stores a copy of data.
func (s *Memory) Save(_ context.Context, room string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[room] = append([]byte(nil), data...)
	return nil
}

// Close is a no-op.
func (s *Memory) Close() error {
	return nil
}
