package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/config"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/store"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/store/bolt"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/store/sqlite"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.Store{Backend: config.BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, config.Store{Backend: config.BackendBolt, DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &bolt.Store{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, config.Store{Backend: config.BackendSQLite, DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Store{}, s)
	require.NoError(t, s.Save(ctx, "room", []byte{1}))
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.Store{Backend: "tape"})
	assert.Error(t, err)
}
