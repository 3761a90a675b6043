package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/store"
)

func setupTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s, dir
}

func TestStore_SaveLoad(t *testing.T) {
	s, _ := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()

	_, err := s.Load(ctx, "room")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Save(ctx, "room", []byte{1, 2, 3}))
	require.NoError(t, s.Save(ctx, "room", []byte{7}))

	got, err := s.Load(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, got)
}

func TestStore_ReopenKeepsDataAndSchema(t *testing.T) {
	s, dir := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "room", []byte{4, 2}))
	require.NoError(t, s.Close())

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	var versions int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 1, versions)

	got, err := s.Load(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 2}, got)
}
