// Package server is the relay: it accepts provider connections per room, keeps
// an authoritative replica of each open room, fans updates and presence out to
// every other connection, and persists room documents with a debounce.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/codec"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/crdt"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/geometry"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/relay"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/store"
)

// ErrClosed is returned for connections arriving after Close.
var ErrClosed = errors.New("server closed")

type Options struct {
	// Debounce is the quiet period before a changed room is saved.
	Debounce time.Duration
	// MaxDebounce bounds how long continuous editing may postpone a save.
	MaxDebounce time.Duration

	AwarenessTimeout time.Duration
	// AwarenessRate and AwarenessBurst limit awareness messages per
	// connection; excess messages are dropped.
	AwarenessRate  float64
	AwarenessBurst int

	// Relay fans room traffic out to other relay processes. Nil means Local.
	Relay relay.Relay
}

func (o *Options) setDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = 2 * time.Second
	}
	if o.MaxDebounce < o.Debounce {
		o.MaxDebounce = 10 * time.Second
		if o.MaxDebounce < o.Debounce {
			o.MaxDebounce = o.Debounce
		}
	}
	if o.AwarenessRate <= 0 {
		o.AwarenessRate = 50
	}
	if o.AwarenessBurst <= 0 {
		o.AwarenessBurst = 100
	}
	if o.Relay == nil {
		o.Relay = relay.Local{}
	}
}

type Server struct {
	store    store.DocumentStore
	opts     Options
	upgrader websocket.Upgrader

	mu        sync.Mutex
	rooms     map[string]*Room
	unloading map[string]chan struct{}
	clients   map[*Client]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// New creates a server persisting rooms to st.
func New(st store.DocumentStore, opts Options) *Server {
	opts.setDefaults()
	return &Server{
		store: st,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms:     make(map[string]*Room),
		unloading: make(map[string]chan struct{}),
		clients:   make(map[*Client]struct{}),
	}
}

// Handler routes the websocket endpoint, room snapshots and health checks.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{room}", s.serveWs).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}", s.serveSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.serveHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["room"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("Upgrade failed for room %s: %v", name, err)
		return
	}
	room, err := s.join(name)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	c := newClient(room, conn, s.opts)
	glog.Infof("New connection %s for room: %s", c.id, name)

	// Registered under the lock so Close either sees the client or refuses it.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.shutdown()
		s.leave(room)
		return
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	room.open(c)
	go c.writePump()
	go func() {
		defer s.wg.Done()
		c.readPump()
		room.closeClient(c)
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		s.leave(room)
	}()
}

// join returns the loaded room, loading it on first use. A room that is
// still being unloaded is saved before it is loaded again.
func (s *Server) join(name string) (*Room, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	r, ok := s.rooms[name]
	if ok {
		r.refs++
		s.mu.Unlock()
		<-r.ready
		return r, nil
	}
	prev := s.unloading[name]
	r = newRoom(s, name)
	r.refs++
	s.rooms[name] = r
	s.mu.Unlock()

	if prev != nil {
		<-prev
	}
	r.load()
	close(r.ready)
	return r, nil
}

func (s *Server) leave(r *Room) {
	s.mu.Lock()
	r.refs--
	if r.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.rooms, r.name)
	s.unloading[r.name] = r.unloaded
	s.mu.Unlock()

	r.unload()

	s.mu.Lock()
	if s.unloading[r.name] == r.unloaded {
		delete(s.unloading, r.name)
	}
	s.mu.Unlock()
}

// Rooms returns the names of the loaded rooms.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot is the JSON view of a room served by GET /rooms/{room}.
type Snapshot struct {
	Room  string              `json:"room"`
	Nodes []crdt.NodeRecord   `json:"nodes"`
	Edges []crdt.EdgeRecord   `json:"edges"`
	Paths []geometry.EdgePath `json:"paths"`
}

func snapshotOf(name string, doc *crdt.Doc) Snapshot {
	nodes, edges := doc.Nodes(), doc.Edges()
	snap := Snapshot{
		Room:  name,
		Nodes: make([]crdt.NodeRecord, 0, len(nodes)),
		Edges: make([]crdt.EdgeRecord, 0, len(edges)),
		Paths: geometry.EdgePoints(nodes, edges),
	}
	for _, n := range nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	for _, e := range edges {
		snap.Edges = append(snap.Edges, e)
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	sort.Slice(snap.Edges, func(i, j int) bool { return snap.Edges[i].ID < snap.Edges[j].ID })
	return snap
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["room"]

	s.mu.Lock()
	room, ok := s.rooms[name]
	s.mu.Unlock()

	var snap Snapshot
	if ok {
		<-room.ready
		snap = snapshotOf(name, room.doc)
	} else {
		doc := crdt.New(crdt.NewClientID())
		data, err := s.store.Load(r.Context(), name)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			glog.Errorf("Loading room %s for snapshot: %v", name, err)
			http.Error(w, "failed to load room", http.StatusInternalServerError)
			return
		default:
			if err := codec.DecodeAndApply(doc, data, loadOrigin); err != nil {
				glog.Errorf("Decoding stored room %s: %v", name, err)
				http.Error(w, "stored room is corrupt", http.StatusInternalServerError)
				return
			}
		}
		snap = snapshotOf(name, doc)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		glog.Warningf("Writing snapshot of %s: %v", name, err)
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "rooms": len(s.Rooms())})
}

// Close refuses new connections, disconnects every client and waits until
// their rooms have been saved and unloaded, or until ctx is done.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		glog.Infof("All rooms saved and unloaded")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
