package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rect(id string, x, y float64) NodeRecord {
	return NodeRecord{
		ID:      id,
		Type:    ShapeRectangle,
		X:       x,
		Y:       y,
		Width:   150,
		Height:  100,
		Content: "Hello VibeCanvas!",
		Color:   "#42b883",
	}
}

// exchange runs one state-vector round between a and b.
func exchange(t *testing.T, a, b *Doc) {
	t.Helper()
	toB := a.Diff(b.StateVector())
	toA := b.Diff(a.StateVector())
	require.NoError(t, b.Apply(toB, "sync"))
	require.NoError(t, a.Apply(toA, "sync"))
}

func TestDoc_AddNode(t *testing.T) {
	d := New(1)
	d.AddNode(rect("node-1", 100, 100))

	n, ok := d.Node("node-1")
	require.True(t, ok)
	assert.Equal(t, rect("node-1", 100, 100), n)
	assert.Equal(t, StateVector{1: 10}, d.StateVector())
	assert.False(t, d.Empty())
}

func TestDoc_UpdateField_MissingIsNoop(t *testing.T) {
	d := New(1)
	d.UpdateField(Nodes, "ghost", FieldX, 10.0)

	assert.True(t, d.Empty())
	assert.Empty(t, d.StateVector())
}

func TestDoc_UpdateNodePosition(t *testing.T) {
	d := New(1)
	d.AddNode(rect("n", 0, 0))
	d.UpdateNodePosition("n", 30, 40)

	n, _ := d.Node("n")
	assert.Equal(t, 30.0, n.X)
	assert.Equal(t, 40.0, n.Y)
}

func TestDoc_IntValuesAreStoredAsNumbers(t *testing.T) {
	d := New(1)
	d.AddNode(rect("n", 0, 0))
	d.UpdateField(Nodes, "n", FieldWidth, 300)

	n, _ := d.Node("n")
	assert.Equal(t, 300.0, n.Width)
}

func TestDoc_Convergence(t *testing.T) {
	a, b := New(1), New(2)
	a.AddNode(rect("node-1", 100, 100))
	b.AddNode(NodeRecord{ID: "node-2", Type: ShapeCircle, X: 300, Y: 200, Width: 100, Height: 100, Content: "Doc 2 Node", Color: "#646cff"})

	exchange(t, a, b)

	assert.Equal(t, a.Nodes(), b.Nodes())
	assert.Len(t, a.Nodes(), 2)
	assert.Equal(t, a.StateVector(), b.StateVector())
}

func TestDoc_ConcurrentFieldsBothSurvive(t *testing.T) {
	a, b := New(1), New(2)
	a.AddNode(NodeRecord{ID: "concurrent-node", X: 100, Y: 100})
	exchange(t, a, b)

	a.UpdateField(Nodes, "concurrent-node", FieldX, 200.0)
	b.Transact(nil, func(tx *Txn) {
		tx.Set(Nodes, "concurrent-node", FieldType, ShapeRectangle)
		tx.Set(Nodes, "concurrent-node", FieldWidth, 150.0)
	})
	exchange(t, a, b)

	for _, d := range []*Doc{a, b} {
		n, ok := d.Node("concurrent-node")
		require.True(t, ok)
		assert.Equal(t, 200.0, n.X)
		assert.Equal(t, 100.0, n.Y)
		assert.Equal(t, ShapeRectangle, n.Type)
		assert.Equal(t, 150.0, n.Width)
	}
}

func TestDoc_SameFieldLastWriterWins(t *testing.T) {
	a, b := New(1), New(2)
	a.AddNode(rect("n", 0, 0))
	exchange(t, a, b)

	a.UpdateField(Nodes, "n", FieldColor, "red")
	b.UpdateField(Nodes, "n", FieldColor, "blue")
	exchange(t, a, b)

	na, _ := a.Node("n")
	nb, _ := b.Node("n")
	assert.Equal(t, na.Color, nb.Color)
	// Equal lamport times: the higher client id wins.
	assert.Equal(t, "blue", na.Color)
}

func TestDoc_ApplyIsIdempotent(t *testing.T) {
	a, b := New(1), New(2)
	a.AddNode(rect("n", 1, 2))
	a.AddEdge(EdgeRecord{ID: "e", SourceID: "n", TargetID: "n", Type: EdgeStraight})
	u := a.Diff(nil)

	require.NoError(t, b.Apply(u, nil))
	nodes, edges, sv := b.Nodes(), b.Edges(), b.StateVector()
	require.NoError(t, b.Apply(u, nil))

	assert.Equal(t, nodes, b.Nodes())
	assert.Equal(t, edges, b.Edges())
	assert.Equal(t, sv, b.StateVector())
}

func TestDoc_ApplyOrderDoesNotMatter(t *testing.T) {
	a, b, c := New(1), New(2), New(3)
	a.AddNode(rect("n", 0, 0))
	ua := a.Diff(nil)
	require.NoError(t, b.Apply(ua, nil))
	b.UpdateField(Nodes, "n", FieldContent, "from b")
	ub := b.Diff(StateVector{1: ua.Ranges[0].End})
	a.UpdateField(Nodes, "n", FieldColor, "#000")
	ua2 := a.Diff(StateVector{1: ua.Ranges[0].End})

	x, y := New(4), New(5)
	for _, u := range []*Update{ua, ub, ua2} {
		require.NoError(t, x.Apply(u, nil))
	}
	for _, u := range []*Update{ua2, ua, ub} {
		require.NoError(t, y.Apply(u, nil))
	}
	require.NoError(t, c.Apply(a.Diff(nil), nil))
	require.NoError(t, c.Apply(b.Diff(nil), nil))

	assert.Equal(t, x.Nodes(), y.Nodes())
	assert.Equal(t, x.Nodes(), c.Nodes())
	n := x.Nodes()["n"]
	assert.Equal(t, "from b", n.Content)
	assert.Equal(t, "#000", n.Color)
	assert.Zero(t, y.Pending())
}

func TestDoc_FutureDeltaIsBuffered(t *testing.T) {
	a, b := New(1), New(2)
	a.AddNode(rect("n", 0, 0))
	first := a.Diff(nil)
	sv := a.StateVector()
	a.UpdateNodePosition("n", 5, 5)
	second := a.Diff(sv)

	require.NoError(t, b.Apply(second, nil))
	assert.Equal(t, 1, b.Pending())
	assert.True(t, b.Empty())

	require.NoError(t, b.Apply(first, nil))
	assert.Zero(t, b.Pending())
	assert.Equal(t, a.Nodes(), b.Nodes())
}

func TestDoc_ApplyRejectsMalformedWithoutChanges(t *testing.T) {
	d := New(1)
	d.AddNode(rect("n", 0, 0))
	before := d.Nodes()

	bad := &Update{
		Ranges: []Range{{Client: 9, Start: 0, End: 1}},
		Ops: []Op{
			{ID: ID{Client: 9, Clock: 0}, Lamport: 99, Kind: OpSet, Mapping: Nodes, Key: "n", Field: FieldX, Value: 1.0},
			{ID: ID{Client: 9, Clock: 5}, Lamport: 99, Kind: OpSet, Mapping: Nodes, Key: "n", Field: FieldY, Value: 1.0},
		},
	}
	assert.Error(t, d.Apply(bad, nil))
	assert.Equal(t, before, d.Nodes())
	assert.NotContains(t, d.StateVector(), ClientID(9))
}

func TestDoc_DiffOmitsOverwrittenOps(t *testing.T) {
	d := New(1)
	d.AddNode(rect("n", 0, 0))
	for i := 0; i < 50; i++ {
		d.UpdateNodePosition("n", float64(i), float64(i))
	}
	u := d.Diff(nil)

	assert.Len(t, u.Ops, 10)
	assert.Equal(t, []Range{{Client: 1, Start: 0, End: 110}}, u.Ranges)

	other := New(2)
	require.NoError(t, other.Apply(u, nil))
	assert.Equal(t, d.Nodes(), other.Nodes())
	assert.Equal(t, d.StateVector(), other.StateVector())
}

func TestDoc_ListenersOncePerTransaction(t *testing.T) {
	d := New(1)
	var events []ChangeEvent
	unsubscribe := d.Subscribe(func(ev ChangeEvent) { events = append(events, ev) })

	d.AddNode(rect("a", 0, 0))
	d.AddNode(rect("b", 0, 0))
	d.AddEdge(EdgeRecord{ID: "e", SourceID: "a", TargetID: "b"})
	d.DeleteNode("a")

	require.Len(t, events, 4)
	assert.Equal(t, []string{"a"}, events[3].Nodes)
	assert.Equal(t, []string{"e"}, events[3].Edges)
	assert.True(t, events[3].Local)

	unsubscribe()
	d.AddNode(rect("c", 0, 0))
	assert.Len(t, events, 4)
}

func TestDoc_ListenerSeesWholeRemoteDelta(t *testing.T) {
	a, b := New(1), New(2)
	a.AddNode(rect("a", 0, 0))
	a.AddNode(rect("b", 0, 0))

	var seen []map[string]NodeRecord
	b.Subscribe(func(ev ChangeEvent) {
		assert.False(t, ev.Local)
		assert.Equal(t, "peer", ev.Origin)
		seen = append(seen, b.Nodes())
	})
	require.NoError(t, b.Apply(a.Diff(nil), "peer"))

	require.Len(t, seen, 1)
	assert.Len(t, seen[0], 2)
}

func TestDoc_ListenerMayMutate(t *testing.T) {
	d := New(1)
	d.Subscribe(func(ev ChangeEvent) {
		for _, id := range ev.Nodes {
			if n, ok := d.Node(id); ok && n.Color == "" {
				d.UpdateField(Nodes, id, FieldColor, "#fff")
			}
		}
	})
	d.AddNode(NodeRecord{ID: "n"})

	n, _ := d.Node("n")
	assert.Equal(t, "#fff", n.Color)
}

func TestDoc_OnUpdateReportsLocalAndNewRemote(t *testing.T) {
	a, b := New(1), New(2)
	var local, remote int
	a.OnUpdate(func(u *Update, origin any) { local++ })
	b.OnUpdate(func(u *Update, origin any) {
		assert.Equal(t, "peer", origin)
		remote++
	})

	a.AddNode(rect("n", 0, 0))
	u := a.Diff(nil)
	require.NoError(t, b.Apply(u, "peer"))
	require.NoError(t, b.Apply(u, "peer"))

	assert.Equal(t, 1, local)
	assert.Equal(t, 1, remote)
}

func TestDoc_ReaddAfterDeleteClearsOptionalFields(t *testing.T) {
	d := New(1)
	n := rect("n", 0, 0)
	n.AnchorPoints = []string{"top", "bottom"}
	d.AddNode(n)
	d.DeleteNode("n")
	_, ok := d.Node("n")
	require.False(t, ok)

	d.AddNode(rect("n", 1, 1))
	got, ok := d.Node("n")
	require.True(t, ok)
	assert.Nil(t, got.AnchorPoints)
	assert.Equal(t, 1.0, got.X)
}

func TestDoc_ClientClockFollowsOwnOpsFromRemote(t *testing.T) {
	a := New(1)
	a.AddNode(rect("n", 0, 0))
	restored := New(1)
	require.NoError(t, restored.Apply(a.Diff(nil), nil))

	restored.UpdateField(Nodes, "n", FieldColor, "#111")
	sv := restored.StateVector()
	assert.Equal(t, uint64(11), sv[1])
}
