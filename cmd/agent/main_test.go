package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/awareness"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/board"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/codec"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/crdt"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/server"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/store"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/store/bolt"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := server.New(store.NewMemory(), server.Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Close(ctx)
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"watch", "seed", "list", "add-node", "move", "connect", "delete"} {
		assert.Contains(t, names, want)
	}
	room := cmd.PersistentFlags().Lookup("room")
	require.NotNil(t, room)
	assert.Equal(t, "vibe-canvas-room", room.DefValue)
}

func TestSeedAndList(t *testing.T) {
	url := startRelay(t)

	out, err := execute(t, "--url", url, "seed")
	require.NoError(t, err)
	assert.Contains(t, out, "Seeded room vibe-canvas-room")

	out, err = execute(t, "--url", url, "seed")
	require.NoError(t, err)
	assert.Contains(t, out, "already has content")

	out, err = execute(t, "--url", url, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "2 nodes, 0 edges")
	assert.Contains(t, out, `"Hello VibeCanvas!"`)
	assert.Contains(t, out, `"Collaborate here"`)
}

func TestEditCommands(t *testing.T) {
	url := startRelay(t)
	base := []string{"--url", url, "--room", "edits"}
	run := func(args ...string) string {
		t.Helper()
		out, err := execute(t, append(base, args...)...)
		require.NoError(t, err)
		return out
	}

	a := strings.TrimSpace(run("add-node", "first", "--x", "0", "--y", "0"))
	assert.True(t, strings.HasPrefix(a, "node-"), a)
	assert.Equal(t, "b", strings.TrimSpace(run("add-node", "second", "--id", "b", "--type", "circle", "--x", "300")))

	run("move", "b", "400", "50")
	e := strings.TrimSpace(run("connect", a, "b", "--type", "curved"))
	assert.True(t, strings.HasPrefix(e, "edge-"), e)

	out := run("list")
	assert.Contains(t, out, "2 nodes, 1 edges")
	assert.Contains(t, out, "node b circle (400,50)")
	assert.Contains(t, out, "edge "+e+" curved")

	run("delete", a)
	out = run("list")
	assert.Contains(t, out, "1 nodes, 0 edges")
}

func TestEditCommands_Errors(t *testing.T) {
	url := startRelay(t)

	_, err := execute(t, "--url", url, "move", "missing", "1", "2")
	assert.ErrorContains(t, err, `node "missing" not found`)

	_, err = execute(t, "--url", url, "move", "missing", "x", "2")
	assert.ErrorContains(t, err, "invalid x")

	_, err = execute(t, "--url", url, "add-node", "--type", "hexagon")
	assert.ErrorContains(t, err, "unknown shape")

	_, err = execute(t, "--url", url, "delete", "nothing")
	assert.ErrorContains(t, err, "no node or edge")
}

func TestDelete_ClearsEdgesOfDeletedNode(t *testing.T) {
	url := startRelay(t)

	// An edge that outlived its source node, as left by a concurrent delete.
	b := board.Open(board.Options{URL: url})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, b.WaitSynced(ctx))
	b.AddNode(crdt.NodeRecord{ID: "kept"})
	b.AddEdge(crdt.EdgeRecord{ID: "dangling", SourceID: "gone", TargetID: "kept"})
	b.Close()

	out, err := execute(t, "--url", url, "list")
	require.NoError(t, err)
	require.Contains(t, out, "1 nodes, 1 edges")

	_, err = execute(t, "--url", url, "delete", "gone")
	require.NoError(t, err)

	b2 := board.Open(board.Options{URL: url})
	defer b2.Close()
	require.NoError(t, b2.WaitSynced(ctx))
	assert.NotContains(t, b2.Edges(), "dangling")
	assert.Contains(t, b2.Nodes(), "kept")
}

func TestSyncTimeout(t *testing.T) {
	_, err := execute(t, "--url", "ws://127.0.0.1:1", "--timeout", "200ms", "list")
	assert.ErrorContains(t, err, "syncing room")
}

func TestNoRelayFound(t *testing.T) {
	_, err := execute(t, "--service", "_nothing-here._tcp", "--discover-timeout", "200ms", "list")
	assert.ErrorContains(t, err, "finding a relay")
}

func TestCacheHoldsLastKnownBoard(t *testing.T) {
	url := startRelay(t)
	cache := filepath.Join(t.TempDir(), "agent.db")

	_, err := execute(t, "--url", url, "--cache", cache, "add-node", "cached", "--id", "c1")
	require.NoError(t, err)

	st, err := bolt.Open(cache)
	require.NoError(t, err)
	b, err := st.Load(context.Background(), "vibe-canvas-room")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	doc := crdt.New(crdt.NewClientID())
	require.NoError(t, codec.DecodeAndApply(doc, b, nil))
	n, ok := doc.Node("c1")
	require.True(t, ok)
	assert.Equal(t, "cached", n.Content)

	// A cached board is offered to the relay on the next start.
	fresh := startRelay(t)
	out, err := execute(t, "--url", fresh, "--cache", cache, "list")
	require.NoError(t, err)
	assert.Contains(t, out, `"cached"`)
}

func TestDescribePresence(t *testing.T) {
	assert.Equal(t, "online", describePresence(awareness.State{}))
	assert.Equal(t, "ada at (1,2) selecting n1,n2", describePresence(awareness.State{
		User:      &awareness.User{Name: "ada"},
		Cursor:    &awareness.Point{X: 1, Y: 2},
		Selection: []string{"n1", "n2"},
	}))
}
