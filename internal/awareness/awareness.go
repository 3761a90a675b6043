// Package awareness tracks ephemeral per-client presence (cursor, selection,
// identity). States are broadcast on their own channel, expire when a client
// stops renewing them, and are never stored with the document.
package awareness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/codec"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/crdt"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultBatchDelay = 10 * time.Millisecond
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type User struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// State is the presence record of one client. Used as a partial update in
// SetLocalState, a nil field keeps the current value.
type State struct {
	Cursor    *Point   `json:"cursor,omitempty"`
	Selection []string `json:"selection,omitempty"`
	User      *User    `json:"user,omitempty"`
}

func (s State) clone() State {
	out := State{}
	if s.Cursor != nil {
		c := *s.Cursor
		out.Cursor = &c
	}
	if s.Selection != nil {
		out.Selection = append([]string{}, s.Selection...)
	}
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	return out
}

func (s State) merge(p State) State {
	out := s.clone()
	p = p.clone()
	if p.Cursor != nil {
		out.Cursor = p.Cursor
	}
	if p.Selection != nil {
		out.Selection = p.Selection
	}
	if p.User != nil {
		out.User = p.User
	}
	return out
}

// Change lists the clients whose state changed in one operation.
type Change struct {
	Added   []crdt.ClientID
	Updated []crdt.ClientID
	Removed []crdt.ClientID
	Origin  any
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type Options struct {
	// Timeout removes a remote state that has not been renewed for this long.
	Timeout time.Duration
	// BatchDelay coalesces local updates into one broadcast.
	BatchDelay time.Duration
	Now        func() time.Time
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

// Awareness holds the local state and the last known state of every peer.
type Awareness struct {
	mu     sync.Mutex
	client crdt.ClientID
	opts   Options
	states map[crdt.ClientID]State
	meta   map[crdt.ClientID]meta

	listeners      map[uint64]func(Change)
	localListeners map[uint64]func([]byte)
	nextListener   uint64

	flushTimer *time.Timer
	dirty      bool
	stop       chan struct{}
	done       chan struct{}
	closed     bool
}

// New creates an awareness instance for client with an empty local state and
// starts its expiry ticker.
func New(client crdt.ClientID, opts Options) *Awareness {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = DefaultBatchDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &Awareness{
		client:         client,
		opts:           opts,
		states:         map[crdt.ClientID]State{client: {}},
		meta:           map[crdt.ClientID]meta{client: {lastUpdated: opts.Now()}},
		listeners:      map[uint64]func(Change){},
		localListeners: map[uint64]func([]byte){},
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Awareness) run() {
	defer close(a.done)
	interval := a.opts.Timeout / 10
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.Sweep(a.opts.Now())
		}
	}
}

// ClientID returns the local client id.
func (a *Awareness) ClientID() crdt.ClientID {
	return a.client
}

// Subscribe registers fn for every change, local or remote.
func (a *Awareness) Subscribe(fn func(Change)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextListener
	a.nextListener++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

// OnLocalUpdate registers fn to receive the encoded local state whenever it
// must be broadcast.
func (a *Awareness) OnLocalUpdate(fn func([]byte)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextListener
	a.nextListener++
	a.localListeners[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.localListeners, id)
	}
}

// LocalState returns the local state; false once it has been cleared.
func (a *Awareness) LocalState() (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.states[a.client]
	return s.clone(), ok
}

// SetLocalState merges p into the local state. The broadcast happens after
// the batch delay, so several calls in a row produce one message.
func (a *Awareness) SetLocalState(p State) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	cur, existed := a.states[a.client]
	next := cur.merge(p)
	a.states[a.client] = next
	m := a.meta[a.client]
	a.meta[a.client] = meta{clock: m.clock + 1, lastUpdated: a.opts.Now()}
	a.dirty = true
	if a.flushTimer == nil {
		a.flushTimer = time.AfterFunc(a.opts.BatchDelay, a.flush)
	}
	ch := Change{Origin: "local"}
	if existed {
		if !reflect.DeepEqual(cur, next) {
			ch.Updated = []crdt.ClientID{a.client}
		}
	} else {
		ch.Added = []crdt.ClientID{a.client}
	}
	fns := listenerList(a.listeners)
	a.mu.Unlock()
	notify(fns, ch)
}

// ClearLocalState marks the local client as gone and broadcasts that at once.
func (a *Awareness) ClearLocalState() {
	a.mu.Lock()
	if _, ok := a.states[a.client]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.states, a.client)
	m := a.meta[a.client]
	a.meta[a.client] = meta{clock: m.clock + 1, lastUpdated: a.opts.Now()}
	if a.flushTimer != nil {
		a.flushTimer.Stop()
		a.flushTimer = nil
	}
	a.dirty = false
	b := a.encodeLocked([]crdt.ClientID{a.client})
	fns := listenerList(a.listeners)
	locals := listenerList(a.localListeners)
	a.mu.Unlock()

	for _, fn := range locals {
		fn(b)
	}
	notify(fns, Change{Removed: []crdt.ClientID{a.client}, Origin: "local"})
}

func (a *Awareness) flush() {
	a.mu.Lock()
	a.flushTimer = nil
	if !a.dirty || a.closed {
		a.mu.Unlock()
		return
	}
	a.dirty = false
	b := a.encodeLocked([]crdt.ClientID{a.client})
	locals := listenerList(a.localListeners)
	a.mu.Unlock()
	for _, fn := range locals {
		fn(b)
	}
}

// Encode serializes the given clients' entries. A client without state is
// encoded as a removal.
func (a *Awareness) Encode(clients []crdt.ClientID) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.encodeLocked(clients)
}

// EncodeAll serializes every known state, or nil when there are none.
func (a *Awareness) EncodeAll() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.states) == 0 {
		return nil
	}
	return a.encodeLocked(sortedClients(a.states))
}

// EncodeRemoval serializes null states for clients at their current clocks.
// Call it before Remove, which forgets the clocks.
func (a *Awareness) EncodeRemoval(clients []crdt.ClientID) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	var w codec.Writer
	w.PutUint(uint64(len(clients)))
	for _, c := range clients {
		w.PutUint(uint64(c))
		w.PutUint(a.meta[c].clock)
		w.PutVarBytes([]byte("null"))
	}
	return w.Bytes()
}

// Refresh bumps the local clock and returns the encoded local entry, or nil
// once the local state has been cleared. Peers that dropped this client
// accept the refreshed entry.
func (a *Awareness) Refresh() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.states[a.client]; !ok || a.closed {
		return nil
	}
	m := a.meta[a.client]
	a.meta[a.client] = meta{clock: m.clock + 1, lastUpdated: a.opts.Now()}
	return a.encodeLocked([]crdt.ClientID{a.client})
}

func (a *Awareness) encodeLocked(clients []crdt.ClientID) []byte {
	var w codec.Writer
	w.PutUint(uint64(len(clients)))
	for _, c := range clients {
		w.PutUint(uint64(c))
		w.PutUint(a.meta[c].clock)
		state := []byte("null")
		if s, ok := a.states[c]; ok {
			state, _ = json.Marshal(s)
		}
		w.PutVarBytes(state)
	}
	return w.Bytes()
}

type wireEntry struct {
	client crdt.ClientID
	clock  uint64
	state  *State
}

func decode(b []byte) ([]wireEntry, error) {
	r := codec.NewReader(b)
	n := r.Count(3)
	entries := make([]wireEntry, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		client := r.Uint()
		clock := r.Uint()
		raw := r.VarBytes()
		if r.Err() != nil {
			break
		}
		if client > uint64(^uint32(0)) {
			return nil, &codec.DecodeError{What: "awareness", Err: fmt.Errorf("client id %d out of range", client)}
		}
		var state *State
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, &codec.DecodeError{What: "awareness", Err: err}
		}
		entries = append(entries, wireEntry{client: crdt.ClientID(client), clock: clock, state: state})
	}
	if err := r.Done(); err != nil {
		return nil, &codec.DecodeError{What: "awareness", Err: err}
	}
	return entries, nil
}

// Apply merges a peer's encoded entries. Newer clocks win; a null state
// removes the client. Entries about the local client are ignored.
func (a *Awareness) Apply(b []byte, origin any) (Change, error) {
	entries, err := decode(b)
	if err != nil {
		return Change{}, err
	}
	a.mu.Lock()
	now := a.opts.Now()
	ch := Change{Origin: origin}
	for _, e := range entries {
		if e.client == a.client {
			continue
		}
		cur, known := a.meta[e.client]
		_, exists := a.states[e.client]
		if known && !(e.clock > cur.clock || (e.clock == cur.clock && e.state == nil && exists)) {
			continue
		}
		a.meta[e.client] = meta{clock: e.clock, lastUpdated: now}
		switch {
		case e.state == nil:
			if exists {
				delete(a.states, e.client)
				ch.Removed = append(ch.Removed, e.client)
			}
		case exists:
			a.states[e.client] = *e.state
			ch.Updated = append(ch.Updated, e.client)
		default:
			a.states[e.client] = *e.state
			ch.Added = append(ch.Added, e.client)
		}
	}
	fns := listenerList(a.listeners)
	a.mu.Unlock()
	if !ch.Empty() {
		notify(fns, ch)
	}
	return ch, nil
}

// Remove forgets the given peers, e.g. when their connection closes. This is
// a local expiry only.
func (a *Awareness) Remove(clients []crdt.ClientID, origin any) Change {
	a.mu.Lock()
	ch := Change{Origin: origin}
	for _, c := range clients {
		if c == a.client {
			continue
		}
		if _, ok := a.states[c]; ok {
			ch.Removed = append(ch.Removed, c)
		}
		delete(a.states, c)
		delete(a.meta, c)
	}
	fns := listenerList(a.listeners)
	a.mu.Unlock()
	if !ch.Empty() {
		notify(fns, ch)
	}
	return ch
}

// Sweep expires peers that have been silent for the timeout and renews the
// local state once half the timeout has passed.
func (a *Awareness) Sweep(now time.Time) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	ch := Change{Origin: "timeout"}
	var renewed []byte
	for c, m := range a.meta {
		age := now.Sub(m.lastUpdated)
		if c == a.client {
			if _, ok := a.states[c]; ok && age >= a.opts.Timeout/2 {
				a.meta[c] = meta{clock: m.clock + 1, lastUpdated: now}
				renewed = a.encodeLocked([]crdt.ClientID{c})
			}
			continue
		}
		if age >= a.opts.Timeout {
			if _, ok := a.states[c]; ok {
				ch.Removed = append(ch.Removed, c)
			}
			delete(a.states, c)
			delete(a.meta, c)
		}
	}
	sort.Slice(ch.Removed, func(i, j int) bool { return ch.Removed[i] < ch.Removed[j] })
	fns := listenerList(a.listeners)
	locals := listenerList(a.localListeners)
	a.mu.Unlock()

	if renewed != nil {
		for _, fn := range locals {
			fn(renewed)
		}
	}
	if !ch.Empty() {
		notify(fns, ch)
	}
}

// States returns a copy of every known state including the local one.
func (a *Awareness) States() map[crdt.ClientID]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[crdt.ClientID]State, len(a.states))
	for c, s := range a.states {
		out[c] = s.clone()
	}
	return out
}

// Remote returns the states of every peer.
func (a *Awareness) Remote() map[crdt.ClientID]State {
	out := a.States()
	delete(out, a.client)
	return out
}

// Close stops timers and drops listeners.
func (a *Awareness) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	if a.flushTimer != nil {
		a.flushTimer.Stop()
		a.flushTimer = nil
	}
	a.listeners = map[uint64]func(Change){}
	a.localListeners = map[uint64]func([]byte){}
	a.mu.Unlock()
	close(a.stop)
	<-a.done
}

func listenerList[F any](m map[uint64]F) []F {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]F, len(ids))
	for i, id := range ids {
		fns[i] = m[id]
	}
	return fns
}

func notify(fns []func(Change), ch Change) {
	for _, fn := range fns {
		fn(ch)
	}
}

func sortedClients(m map[crdt.ClientID]State) []crdt.ClientID {
	clients := make([]crdt.ClientID, 0, len(m))
	for c := range m {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}
