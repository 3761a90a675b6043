package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/store"
)

func TestStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "rooms.db")
	s, err := Open(path)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Load(ctx, "room")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Save(ctx, "room", []byte{1, 2, 3}))
	require.NoError(t, s.Save(ctx, "other", []byte{9}))
	require.NoError(t, s.Save(ctx, "room", []byte{4, 5}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, got)
	got, err = s.Load(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, got)
}
