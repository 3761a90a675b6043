package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/store"
)

func TestStore(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, url)
	require.NoError(t, err)
	room := "test-" + uuid.NewString()
	defer func() {
		_, _ = s.pool.Exec(context.Background(), "DELETE FROM documents WHERE room = $1", room)
		s.Close()
	}()

	_, err = s.Load(ctx, room)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Save(ctx, room, []byte{1, 2}))
	require.NoError(t, s.Save(ctx, room, []byte{3}))
	got, err := s.Load(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, got)
}
