package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/crdt"
)

func seeded(client crdt.ClientID) *crdt.Doc {
	d := crdt.New(client)
	d.AddNode(crdt.NodeRecord{ID: "node-1", Type: crdt.ShapeRectangle, X: 100, Y: 100, Width: 150, Height: 100, Content: "Hello VibeCanvas!", Color: "#42b883"})
	d.AddNode(crdt.NodeRecord{ID: "node-2", Type: crdt.ShapeCircle, X: 400, Y: 100, Width: 100, Height: 100, AnchorPoints: []string{"top", "left"}})
	d.AddEdge(crdt.EdgeRecord{ID: "edge-1", SourceID: "node-1", TargetID: "node-2", Type: crdt.EdgeCurved, TargetAnchor: "left"})
	return d
}

func TestStateVector_RoundTrip(t *testing.T) {
	d := seeded(7)
	b := EncodeStateVector(d)

	sv, err := DecodeStateVector(b)
	require.NoError(t, err)
	assert.Equal(t, d.StateVector(), sv)
}

func TestEncodeUpdate_Deterministic(t *testing.T) {
	a := seeded(1)
	b := crdt.New(2)
	require.NoError(t, DecodeAndApply(b, EncodeUpdate(a, nil), nil))

	first := EncodeUpdate(a, nil)
	assert.Equal(t, first, EncodeUpdate(a, nil))
	assert.Equal(t, first, EncodeUpdate(b, nil))
	assert.Equal(t, EncodeStateVector(a), EncodeStateVector(b))
}

func TestSyncHandshake_Converges(t *testing.T) {
	a, b := crdt.New(1), crdt.New(2)
	a.AddNode(crdt.NodeRecord{ID: "node-a", X: 50})
	b.AddNode(crdt.NodeRecord{ID: "node-b", X: 150})

	svA, svB := EncodeStateVector(a), EncodeStateVector(b)
	toB, err := EncodeStateAsUpdate(a, svB)
	require.NoError(t, err)
	toA, err := EncodeStateAsUpdate(b, svA)
	require.NoError(t, err)
	require.NoError(t, DecodeAndApply(a, toA, nil))
	require.NoError(t, DecodeAndApply(b, toB, nil))

	assert.Equal(t, a.Nodes(), b.Nodes())
	assert.Equal(t, EncodeUpdate(a, nil), EncodeUpdate(b, nil))
}

func TestDecodeAndApply_Idempotent(t *testing.T) {
	src := seeded(1)
	update := EncodeUpdate(src, nil)
	dst := crdt.New(2)

	require.NoError(t, DecodeAndApply(dst, update, nil))
	once := EncodeUpdate(dst, nil)
	require.NoError(t, DecodeAndApply(dst, update, nil))

	assert.Equal(t, once, EncodeUpdate(dst, nil))
	assert.Equal(t, src.Nodes(), dst.Nodes())
	assert.Equal(t, src.Edges(), dst.Edges())
}

func TestDecodeAndApply_EmptyState(t *testing.T) {
	update, err := EncodeStateAsUpdate(crdt.New(1), nil)
	require.NoError(t, err)

	d := crdt.New(2)
	require.NoError(t, DecodeAndApply(d, update, nil))
	assert.True(t, d.Empty())
}

func TestDecodeAndApply_MalformedLeavesDocUntouched(t *testing.T) {
	good := EncodeUpdate(seeded(1), nil)
	d := seeded(2)
	before := EncodeUpdate(d, nil)

	cases := map[string][]byte{
		"empty":     {},
		"truncated": good[:len(good)/2],
		"trailing":  append(append([]byte(nil), good...), 0xff),
		"overflow":  {0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01},
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			err := DecodeAndApply(d, b, nil)
			require.Error(t, err)
			var de *DecodeError
			assert.True(t, errors.As(err, &de))
			assert.Equal(t, before, EncodeUpdate(d, nil))
		})
	}
}

func TestUnmarshalUpdate_OpOutsideRange(t *testing.T) {
	u := &crdt.Update{
		Ranges: []crdt.Range{{Client: 3, Start: 0, End: 1}},
		Ops:    []crdt.Op{{ID: crdt.ID{Client: 3, Clock: 4}, Kind: crdt.OpInsert, Mapping: crdt.Nodes, Key: "n"}},
	}
	_, err := UnmarshalUpdate(MarshalUpdate(u))

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "update", de.What)
}

func TestUnmarshalUpdate_Values(t *testing.T) {
	u := &crdt.Update{
		Ranges: []crdt.Range{{Client: 1, Start: 0, End: 6}},
		Ops: []crdt.Op{
			{ID: crdt.ID{Client: 1, Clock: 0}, Lamport: 1, Kind: crdt.OpInsert, Mapping: crdt.Edges, Key: "e"},
			{ID: crdt.ID{Client: 1, Clock: 1}, Lamport: 2, Kind: crdt.OpSet, Mapping: crdt.Edges, Key: "e", Field: "a", Value: "s"},
			{ID: crdt.ID{Client: 1, Clock: 2}, Lamport: 3, Kind: crdt.OpSet, Mapping: crdt.Edges, Key: "e", Field: "b", Value: 2.5},
			{ID: crdt.ID{Client: 1, Clock: 3}, Lamport: 4, Kind: crdt.OpSet, Mapping: crdt.Edges, Key: "e", Field: "c", Value: true},
			{ID: crdt.ID{Client: 1, Clock: 4}, Lamport: 5, Kind: crdt.OpSet, Mapping: crdt.Edges, Key: "e", Field: "d", Value: []string{"x", "y"}},
			{ID: crdt.ID{Client: 1, Clock: 5}, Lamport: 6, Kind: crdt.OpSet, Mapping: crdt.Edges, Key: "e", Field: "f", Value: nil},
		},
	}
	got, err := UnmarshalUpdate(MarshalUpdate(u))
	require.NoError(t, err)
	assert.Equal(t, u, got)
}

func TestDecodeStateVector_Malformed(t *testing.T) {
	_, err := DecodeStateVector([]byte{5, 1})
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "state vector", de.What)
}

func TestReader_Count(t *testing.T) {
	var w Writer
	w.PutUint(1 << 40)
	r := NewReader(w.Bytes())
	assert.Zero(t, r.Count(1))
	assert.Error(t, r.Err())
}
