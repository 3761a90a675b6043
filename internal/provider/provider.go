// Package provider keeps a local document and presence in sync with a room on
// the relay over a reconnecting connection.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/awareness"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/codec"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/crdt"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/protocol"
)

// Status is the connection state reported to OnStatus listeners.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Syncing
	Synced
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	// ErrClosed is returned by WaitSynced once the provider is closed.
	ErrClosed = errors.New("provider closed")

	errSendBufferFull = errors.New("send buffer full")
)

const (
	DefaultSendBuffer = 256
	closeFlushTimeout = time.Second
)

type Options struct {
	// URL is the relay base address, e.g. ws://localhost:1234.
	URL       string
	Room      string
	Doc       *crdt.Doc
	Awareness *awareness.Awareness
	// Dialer defaults to a WebsocketDialer.
	Dialer Dialer
	// Backoff paces reconnects. Nil disables reconnecting; backoff.Stop
	// from NextBackOff ends it.
	Backoff    backoff.BackOff
	SendBuffer int
}

// RoomURL returns the websocket endpoint of room on the relay at base.
func RoomURL(base, room string) string {
	return strings.TrimRight(base, "/") + "/ws/" + url.PathEscape(room)
}

type Provider struct {
	opts Options
	url  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	status    Status
	statusCh  chan struct{}
	sess      *session
	listeners map[uint64]func(Status)
	nextID    uint64
	started   bool
	closed    bool

	stopDoc       func()
	stopAwareness func()
}

// New creates a disconnected provider for opts.Doc. Call Connect to start.
func New(opts Options) *Provider {
	if opts.Dialer == nil {
		opts.Dialer = &WebsocketDialer{}
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		opts:      opts,
		url:       RoomURL(opts.URL, opts.Room),
		ctx:       ctx,
		cancel:    cancel,
		statusCh:  make(chan struct{}),
		listeners: map[uint64]func(Status){},
	}
	p.stopDoc = opts.Doc.OnUpdate(p.onLocalUpdate)
	p.stopAwareness = func() {}
	if opts.Awareness != nil {
		p.stopAwareness = opts.Awareness.OnLocalUpdate(p.onLocalAwareness)
	}
	return p
}

// Connect starts connecting in the background. Further calls do nothing.
func (p *Provider) Connect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.run()
}

func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Synced reports whether both halves of the handshake completed on the
// current connection.
func (p *Provider) Synced() bool {
	return p.Status() == Synced
}

// OnStatus registers fn for every status change.
func (p *Provider) OnStatus(fn func(Status)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// WaitSynced blocks until the provider is synced, ctx is done or the
// provider is closed.
func (p *Provider) WaitSynced(ctx context.Context) error {
	for {
		p.mu.Lock()
		status, ch, closed := p.status, p.statusCh, p.closed
		p.mu.Unlock()
		if status == Synced {
			return nil
		}
		if closed {
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.status == s {
		p.mu.Unlock()
		return
	}
	p.status = s
	close(p.statusCh)
	p.statusCh = make(chan struct{})
	fns := make([]func(Status), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	glog.V(1).Infof("[%s] status %s", p.opts.Room, s)
	for _, fn := range fns {
		fn(s)
	}
}

func (p *Provider) run() {
	defer p.wg.Done()
	for {
		p.setStatus(Connecting)
		conn, err := p.opts.Dialer.Dial(p.ctx, p.url)
		if err != nil {
			err = &TransportError{Op: "dial", Err: err}
		} else {
			err = p.serve(conn)
		}
		p.setStatus(Disconnected)
		if p.ctx.Err() != nil {
			return
		}
		if p.opts.Backoff == nil {
			glog.Warningf("[%s] connection to %s failed, not retrying: %v", p.opts.Room, p.url, err)
			return
		}
		wait := p.opts.Backoff.NextBackOff()
		if wait == backoff.Stop {
			glog.Warningf("[%s] connection to %s failed, giving up: %v", p.opts.Room, p.url, err)
			return
		}
		glog.Infof("[%s] connection to %s failed, retrying in %s: %v", p.opts.Room, p.url, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve runs one connection until it fails or the provider closes.
func (p *Provider) serve(conn Conn) error {
	s := newSession(conn, p.opts.SendBuffer)
	p.mu.Lock()
	p.sess = s
	p.mu.Unlock()
	p.setStatus(Syncing)

	s.wg.Add(2)
	go s.writePump()
	go func() {
		defer s.wg.Done()
		for {
			b, err := conn.ReadMessage()
			if err != nil {
				s.fail(&TransportError{Op: "read", Err: err})
				return
			}
			p.handle(s, b)
		}
	}()

	s.enqueue(protocol.Encode(protocol.Step1(p.opts.Doc)))
	if aw := p.opts.Awareness; aw != nil {
		if b := aw.Refresh(); b != nil {
			s.enqueue(protocol.Encode(protocol.Message{Kind: protocol.Awareness, Payload: b}))
		}
	}

	select {
	case <-s.done:
	case <-p.ctx.Done():
		s.fail(p.ctx.Err())
	}

	p.mu.Lock()
	p.sess = nil
	p.mu.Unlock()
	conn.Close()
	s.wg.Wait()
	return s.err
}

func (p *Provider) handle(s *session, b []byte) {
	m, err := protocol.Decode(b)
	if err != nil {
		glog.Warningf("[%s] skipping message: %v", p.opts.Room, err)
		return
	}
	glog.V(2).Infof("[%s] <- %s (%d bytes)", p.opts.Room, m.Kind, len(m.Payload))

	switch m.Kind {
	case protocol.SyncStep1, protocol.SyncStep2, protocol.Update:
		reply, err := protocol.HandleSync(p.opts.Doc, m, p)
		if err != nil {
			glog.Warningf("[%s] skipping %s: %v", p.opts.Room, m.Kind, err)
			return
		}
		if reply != nil {
			s.enqueue(protocol.Encode(*reply))
		}
		if s.handshake(m.Kind) {
			if p.opts.Backoff != nil {
				p.opts.Backoff.Reset()
			}
			p.setStatus(Synced)
		}
	case protocol.Awareness:
		if p.opts.Awareness == nil {
			return
		}
		if _, err := p.opts.Awareness.Apply(m.Payload, p); err != nil {
			glog.Warningf("[%s] skipping awareness: %v", p.opts.Room, err)
		}
	case protocol.QueryAwareness:
		if aw := p.opts.Awareness; aw != nil {
			if b := aw.Encode([]crdt.ClientID{aw.ClientID()}); b != nil {
				s.enqueue(protocol.Encode(protocol.Message{Kind: protocol.Awareness, Payload: b}))
			}
		}
	}
}

func (p *Provider) current() *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess
}

// onLocalUpdate forwards document changes not received from the relay.
// Without a connection the change is dropped; the next handshake sends it.
func (p *Provider) onLocalUpdate(u *crdt.Update, origin any) {
	if origin == p {
		return
	}
	if s := p.current(); s != nil {
		s.enqueue(protocol.Encode(protocol.Message{Kind: protocol.Update, Payload: codec.MarshalUpdate(u)}))
	}
}

func (p *Provider) onLocalAwareness(b []byte) {
	if s := p.current(); s != nil {
		s.enqueue(protocol.Encode(protocol.Message{Kind: protocol.Awareness, Payload: b}))
	}
}

// Close announces that the local user left, drops the connection and stops
// reconnecting. It is safe to call more than once.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	s := p.sess
	close(p.statusCh)
	p.statusCh = make(chan struct{})
	p.mu.Unlock()

	if s != nil {
		if p.opts.Awareness != nil {
			p.opts.Awareness.ClearLocalState()
		}
		s.flush(closeFlushTimeout)
	}
	p.stopDoc()
	p.stopAwareness()
	p.cancel()
	p.wg.Wait()
	p.setStatus(Disconnected)
}

// session is the state of one live connection.
type session struct {
	conn Conn
	send chan []byte
	wg   sync.WaitGroup

	once sync.Once
	done chan struct{}
	err  error

	flushOnce sync.Once
	flushReq  chan struct{}
	flushed   chan struct{}

	mu          sync.Mutex
	repliedStep bool
	gotStep2    bool
	synced      bool
}

func newSession(conn Conn, buffer int) *session {
	return &session{
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		flushReq: make(chan struct{}),
		flushed:  make(chan struct{}),
	}
}

func (s *session) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// enqueue never blocks; a full buffer fails the session.
func (s *session) enqueue(msg []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- msg:
	default:
		s.fail(&TransportError{Op: "send", Err: errSendBufferFull})
	}
}

// handshake records a completed half and reports whether the session just
// became synced.
func (s *session) handshake(kind protocol.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case protocol.SyncStep1:
		s.repliedStep = true
	case protocol.SyncStep2:
		s.gotStep2 = true
	}
	if s.synced || !s.repliedStep || !s.gotStep2 {
		return false
	}
	s.synced = true
	return true
}

// flush asks the write pump to write what is queued and waits up to timeout.
func (s *session) flush(timeout time.Duration) {
	s.flushOnce.Do(func() { close(s.flushReq) })
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.flushed:
	case <-s.done:
	case <-timer.C:
	}
}

func (s *session) writePump() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.conn.WriteMessage(msg); err != nil {
				s.fail(&TransportError{Op: "write", Err: err})
				return
			}
		case <-s.flushReq:
			for {
				select {
				case msg := <-s.send:
					if err := s.conn.WriteMessage(msg); err != nil {
						s.fail(&TransportError{Op: "write", Err: err})
						return
					}
				default:
					close(s.flushed)
					<-s.done
					return
				}
			}
		}
	}
}
