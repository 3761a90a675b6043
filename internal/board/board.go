// Package board is the per-room context a view layer works with: one
// document, its presence and the provider that keeps them in sync.
package board

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/oklog/ulid/v2"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/awareness"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/crdt"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/geometry"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/provider"
)

// DefaultRoom is the room the web canvas joins.
const DefaultRoom = "vibe-canvas-room"

type Options struct {
	URL  string
	Room string
	// Doc is an existing replica to sync, e.g. one restored from a cache.
	// A fresh document with a random client id is created when nil.
	Doc *crdt.Doc
	// User is announced as presence when set.
	User *awareness.User

	AwarenessTimeout time.Duration
	Dialer           provider.Dialer
	// Backoff defaults to an exponential backoff that never gives up.
	Backoff backoff.BackOff
	// Offline keeps the board local; Connect can be called later.
	Offline bool
}

type Board struct {
	room      string
	doc       *crdt.Doc
	awareness *awareness.Awareness
	provider  *provider.Provider
}

// Open creates the board and, unless opts.Offline, starts connecting.
func Open(opts Options) *Board {
	if opts.Room == "" {
		opts.Room = DefaultRoom
	}
	doc := opts.Doc
	if doc == nil {
		doc = crdt.New(crdt.NewClientID())
	}
	bo := opts.Backoff
	if bo == nil {
		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = 0
		bo = exp
	}
	aw := awareness.New(doc.ClientID(), awareness.Options{Timeout: opts.AwarenessTimeout})
	if opts.User != nil {
		u := *opts.User
		aw.SetLocalState(awareness.State{User: &u})
	}
	b := &Board{
		room:      opts.Room,
		doc:       doc,
		awareness: aw,
		provider: provider.New(provider.Options{
			URL:       opts.URL,
			Room:      opts.Room,
			Doc:       doc,
			Awareness: aw,
			Dialer:    opts.Dialer,
			Backoff:   bo,
		}),
	}
	if !opts.Offline {
		b.provider.Connect()
	}
	return b
}

// NewID returns a new unique, time-ordered id such as "node-01J...".
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

func (b *Board) Room() string {
	return b.room
}

// Doc exposes the replica, e.g. for encoding it into a cache.
func (b *Board) Doc() *crdt.Doc {
	return b.doc
}

// AddNode adds n, assigning an id when it has none, and returns the id.
func (b *Board) AddNode(n crdt.NodeRecord) string {
	if n.ID == "" {
		n.ID = NewID("node")
	}
	if n.Type == "" {
		n.Type = crdt.ShapeRectangle
	}
	b.doc.AddNode(n)
	return n.ID
}

func (b *Board) UpdateNodePosition(id string, x, y float64) {
	b.doc.UpdateNodePosition(id, x, y)
}

// UpdateNode writes one field of a node, e.g. its content or color.
func (b *Board) UpdateNode(id, field string, value any) {
	b.doc.UpdateField(crdt.Nodes, id, field, value)
}

// DeleteNode removes the node and the edges attached to it.
func (b *Board) DeleteNode(id string) {
	b.doc.DeleteNode(id)
}

// AddEdge adds e, assigning an id when it has none, and returns the id.
func (b *Board) AddEdge(e crdt.EdgeRecord) string {
	if e.ID == "" {
		e.ID = NewID("edge")
	}
	if e.Type == "" {
		e.Type = crdt.EdgeStraight
	}
	b.doc.AddEdge(e)
	return e.ID
}

func (b *Board) DeleteEdge(id string) {
	b.doc.DeleteEdge(id)
}

func (b *Board) Nodes() map[string]crdt.NodeRecord {
	return b.doc.Nodes()
}

func (b *Board) Edges() map[string]crdt.EdgeRecord {
	return b.doc.Edges()
}

// NodeEdges indexes edges by the nodes they touch.
func (b *Board) NodeEdges() map[string][]crdt.EdgeRecord {
	return b.doc.NodeEdges()
}

// EdgePoints returns the drawable path of every edge whose nodes exist.
func (b *Board) EdgePoints() []geometry.EdgePath {
	return geometry.EdgePoints(b.doc.Nodes(), b.doc.Edges())
}

// Subscribe calls fn after every change to the document.
func (b *Board) Subscribe(fn func(crdt.ChangeEvent)) func() {
	return b.doc.Subscribe(fn)
}

// UpdateAwareness merges p into the local presence; nil fields are kept.
func (b *Board) UpdateAwareness(p awareness.State) {
	b.awareness.SetLocalState(p)
}

// RemoteAwareness returns the presence of every other client.
func (b *Board) RemoteAwareness() map[crdt.ClientID]awareness.State {
	return b.awareness.Remote()
}

// SubscribeAwareness calls fn whenever presence changes.
func (b *Board) SubscribeAwareness(fn func(awareness.Change)) func() {
	return b.awareness.Subscribe(fn)
}

func (b *Board) Status() provider.Status {
	return b.provider.Status()
}

func (b *Board) OnStatus(fn func(provider.Status)) func() {
	return b.provider.OnStatus(fn)
}

// Connect starts syncing a board opened offline.
func (b *Board) Connect() {
	b.provider.Connect()
}

func (b *Board) WaitSynced(ctx context.Context) error {
	return b.provider.WaitSynced(ctx)
}

// SeedIfEmpty adds the two demo shapes when the board has no nodes and
// reports whether it did. Call it after the first sync so a shared room is
// not seeded twice.
func (b *Board) SeedIfEmpty() bool {
	if len(b.doc.Nodes()) > 0 {
		return false
	}
	b.doc.AddNode(crdt.NodeRecord{
		ID: "node-1", Type: crdt.ShapeRectangle,
		X: 100, Y: 100, Width: 150, Height: 100,
		Content: "Hello VibeCanvas!", Color: "#42b883",
	})
	b.doc.AddNode(crdt.NodeRecord{
		ID: "node-2", Type: crdt.ShapeRectangle,
		X: 400, Y: 100, Width: 150, Height: 100,
		Content: "Collaborate here", Color: "#646cff",
	})
	return true
}

// Close leaves the room and releases the board. The document stays
// readable.
func (b *Board) Close() {
	b.provider.Close()
	b.awareness.Close()
}
