package server

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/awareness"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/codec"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/crdt"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/debounce"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/protocol"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/store"
)

// storeTimeout bounds a single load or save.
const storeTimeout = 10 * time.Second

type originTag string

// Origins of transactions that did not come from a connected client.
const (
	loadOrigin  originTag = "load"
	relayOrigin originTag = "relay"
)

// delivery is a message for the room's clients: only to, when set, otherwise
// everyone except except.
type delivery struct {
	msg    []byte
	to     *Client
	except *Client
}

// Room is the hub of one document: it owns the server replica, the presence
// of its clients and the set of connections.
type Room struct {
	name      string
	srv       *Server
	doc       *crdt.Doc
	awareness *awareness.Awareness
	saver     *debounce.Debouncer

	// refs counts connections holding the room; guarded by srv.mu.
	refs     int
	ready    chan struct{}
	unloaded chan struct{}

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan delivery
	quit       chan struct{}
	done       chan struct{}

	stopUpdates func()
	stopRelay   func()
}

func newRoom(s *Server, name string) *Room {
	doc := crdt.New(crdt.NewClientID())
	aw := awareness.New(doc.ClientID(), awareness.Options{Timeout: s.opts.AwarenessTimeout})
	// The relay has no presence of its own.
	aw.ClearLocalState()
	r := &Room{
		name:       name,
		srv:        s,
		doc:        doc,
		awareness:  aw,
		ready:      make(chan struct{}),
		unloaded:   make(chan struct{}),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan delivery),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	r.saver = debounce.New(s.opts.Debounce, s.opts.MaxDebounce, r.save)
	return r
}

// load fills the replica from the store and starts the hub. Any failure
// leaves an empty document.
func (r *Room) load() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	data, err := r.srv.store.Load(ctx, r.name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		glog.Infof("Room %s not found in store, starting empty", r.name)
	case err != nil:
		glog.Errorf("Loading room %s, starting empty: %v", r.name, err)
	default:
		if err := codec.DecodeAndApply(r.doc, data, loadOrigin); err != nil {
			glog.Errorf("Stored room %s is not decodable, starting empty: %v", r.name, err)
		} else {
			glog.Infof("Loaded room %s (%d bytes)", r.name, len(data))
		}
	}

	r.stopUpdates = r.doc.OnUpdate(r.onUpdate)
	go r.run()

	unsubscribe, err := r.srv.opts.Relay.Subscribe(ctx, r.name, r.onRelay)
	if err != nil {
		glog.Errorf("Relay subscription for room %s failed, serving locally: %v", r.name, err)
		unsubscribe = func() {}
	}
	r.stopRelay = unsubscribe
	// Ask the other relay processes for what they have that we don't.
	r.publish(protocol.Encode(protocol.Step1(r.doc)))
}

func (r *Room) run() {
	defer close(r.done)
	for {
		select {
		case c := <-r.register:
			r.clients[c] = true
			glog.Infof("Client registered in room %s. Total clients: %d", r.name, len(r.clients))
		case c := <-r.unregister:
			if _, ok := r.clients[c]; ok {
				delete(r.clients, c)
				close(c.send)
				glog.Infof("Client unregistered from room %s. Total clients: %d", r.name, len(r.clients))
			}
		case d := <-r.broadcast:
			if d.to != nil {
				if r.clients[d.to] {
					r.enqueue(d.to, d.msg)
				}
				continue
			}
			for c := range r.clients {
				if c != d.except {
					r.enqueue(c, d.msg)
				}
			}
		case <-r.quit:
			for c := range r.clients {
				close(c.send)
				delete(r.clients, c)
			}
			return
		}
	}
}

func (r *Room) enqueue(c *Client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		glog.Warningf("Send buffer of %s full, dropping client", c.id)
		close(c.send)
		delete(r.clients, c)
	}
}

func (r *Room) deliver(d delivery) {
	select {
	case r.broadcast <- d:
	case <-r.quit:
	}
}

// open queues the greeting for c and registers it. c must not be shared yet.
func (r *Room) open(c *Client) {
	c.send <- protocol.Encode(protocol.Step1(r.doc))
	if states := r.awareness.EncodeAll(); states != nil {
		c.send <- protocol.Encode(protocol.Message{Kind: protocol.Awareness, Payload: states})
	}
	r.register <- c
}

// closeClient unregisters c and retracts the presence it announced.
func (r *Room) closeClient(c *Client) {
	r.unregister <- c
	owned := c.ownedClients()
	if len(owned) == 0 {
		return
	}
	removal := r.awareness.EncodeRemoval(owned)
	if ch := r.awareness.Remove(owned, c); len(ch.Removed) > 0 {
		msg := protocol.Encode(protocol.Message{Kind: protocol.Awareness, Payload: removal})
		r.deliver(delivery{msg: msg})
		r.publish(msg)
	}
}

func (r *Room) onUpdate(u *crdt.Update, origin any) {
	msg := protocol.Encode(protocol.Message{Kind: protocol.Update, Payload: codec.MarshalUpdate(u)})
	except, _ := origin.(*Client)
	r.deliver(delivery{msg: msg, except: except})
	if origin != relayOrigin {
		r.publish(msg)
	}
	r.saver.Trigger()
}

// onRelay handles a message published by another relay process.
func (r *Room) onRelay(b []byte) {
	m, err := protocol.Decode(b)
	if err != nil {
		glog.Warningf("Dropping relayed message for room %s: %v", r.name, err)
		return
	}
	switch m.Kind {
	case protocol.SyncStep1, protocol.SyncStep2, protocol.Update:
		reply, err := protocol.HandleSync(r.doc, m, relayOrigin)
		if err != nil {
			glog.Warningf("Relayed %s for room %s: %v", m.Kind, r.name, err)
			return
		}
		if reply != nil {
			r.publish(protocol.Encode(*reply))
		}
	case protocol.Awareness:
		ch, err := r.awareness.Apply(m.Payload, relayOrigin)
		if err != nil {
			glog.Warningf("Relayed awareness for room %s: %v", r.name, err)
			return
		}
		if !ch.Empty() {
			r.deliver(delivery{msg: b})
		}
	}
}

func (r *Room) publish(msg []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.srv.opts.Relay.Publish(ctx, r.name, msg); err != nil {
		glog.Warningf("Relay publish for room %s: %v", r.name, err)
	}
}

func (r *Room) save() error {
	data := codec.EncodeUpdate(r.doc, nil)
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.srv.store.Save(ctx, r.name, data); err != nil {
		glog.Errorf("Saving room %s: %v", r.name, err)
		return err
	}
	glog.V(1).Infof("Saved room %s (%d bytes)", r.name, len(data))
	return nil
}

// unload flushes the pending save and stops the hub. Called once the last
// connection has left.
func (r *Room) unload() {
	defer close(r.unloaded)
	r.stopRelay()
	r.stopUpdates()
	if err := r.saver.Flush(); err != nil {
		glog.Errorf("Final save of room %s failed, changes since the last save are lost", r.name)
	}
	r.saver.Stop()
	close(r.quit)
	<-r.done
	r.awareness.Close()
	r.doc.Close()
	glog.Infof("Room %s unloaded", r.name)
}
