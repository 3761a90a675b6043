package redisstore

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
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, addr, "test:"+uuid.NewString()+":")
	require.NoError(t, err)
	defer func() {
		s.rdb.Del(context.Background(), s.key("room"))
		s.Close()
	}()

	_, err = s.Load(ctx, "room")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Save(ctx, "room", []byte{0, 1, 2}))
	got, err := s.Load(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, got)
}

func TestKeyPrefix(t *testing.T) {
	s := New(nil, "")
	assert.Equal(t, DefaultPrefix+"room", s.key("room"))
}
