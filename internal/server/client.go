package server

import (
	"sort"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/crdt"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 << 20
	sendBuffer     = 256
)

// Client is one provider connection to a room.
type Client struct {
	id      string
	room    *Room
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// owned holds the awareness client ids announced over this connection.
	// Only the read pump touches it.
	owned map[crdt.ClientID]struct{}
}

func newClient(room *Room, conn *websocket.Conn, opts Options) *Client {
	return &Client{
		id:      uuid.NewString(),
		room:    room,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(opts.AwarenessRate), opts.AwarenessBurst),
		owned:   make(map[crdt.ClientID]struct{}),
	}
}

func (c *Client) ownedClients() []crdt.ClientID {
	ids := make([]crdt.ClientID, 0, len(c.owned))
	for id := range c.owned {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// shutdown sends a going-away close frame and drops the connection, which
// ends both pumps.
func (c *Client) shutdown() {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
		time.Now().Add(writeWait))
	c.conn.Close()
}

func (c *Client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Infof("Client %s disconnected: %v", c.id, err)
			} else {
				glog.V(1).Infof("Client %s closed: %v", c.id, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		m, err := protocol.Decode(b)
		if err != nil {
			glog.Warningf("Error decoding message from %s: %v", c.id, err)
			continue
		}
		glog.V(2).Infof("%s <- %s (%d bytes)", c.id, m.Kind, len(m.Payload))
		c.handle(m, b)
	}
}

func (c *Client) handle(m protocol.Message, raw []byte) {
	r := c.room
	switch m.Kind {
	case protocol.SyncStep1, protocol.SyncStep2, protocol.Update:
		// Applied updates reach the other clients through the room's update
		// listener, with this client as the origin.
		reply, err := protocol.HandleSync(r.doc, m, c)
		if err != nil {
			glog.Warningf("Rejected %s from %s: %v", m.Kind, c.id, err)
			return
		}
		if reply != nil {
			r.deliver(delivery{msg: protocol.Encode(*reply), to: c})
		}
	case protocol.Awareness:
		if !c.limiter.Allow() {
			glog.V(2).Infof("Awareness rate limit hit for %s, dropping", c.id)
			return
		}
		ch, err := r.awareness.Apply(m.Payload, c)
		if err != nil {
			glog.Warningf("Rejected awareness from %s: %v", c.id, err)
			return
		}
		for _, id := range append(ch.Added, ch.Updated...) {
			c.owned[id] = struct{}{}
		}
		for _, id := range ch.Removed {
			delete(c.owned, id)
		}
		if !ch.Empty() {
			r.deliver(delivery{msg: raw, except: c})
			r.publish(raw)
		}
	case protocol.QueryAwareness:
		if states := r.awareness.EncodeAll(); states != nil {
			msg := protocol.Encode(protocol.Message{Kind: protocol.Awareness, Payload: states})
			r.deliver(delivery{msg: msg, to: c})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				glog.V(1).Infof("Error writing message to %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
