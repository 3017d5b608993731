// Package relay implements the client side of the relay hub: one persistent
// WebSocket per node with room-scoped emit/subscribe semantics on top.
package relay

import (
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/broly1009a/studymate-rtc/internal/proto"
)

// redialWait is the pause between reconnect attempts after the hub
// connection drops. Joined rooms are re-announced after every redial.
const redialWait = 2 * time.Second

// Conn is the node's connection to the relay hub. It is constructed once by
// the application root and injected into every component that needs the
// relay; the underlying WebSocket is dialed lazily on first use and lives for
// the process lifetime.
type Conn struct {
	url    string
	selfID string

	mu     sync.Mutex
	ws     *websocket.Conn
	rooms  map[string]struct{}
	closed bool

	// wmu serializes writes; gorilla permits one concurrent writer.
	wmu sync.Mutex

	subMu sync.RWMutex
	subs  map[string]map[chan *proto.Envelope]struct{}
}

// New creates a relay connection manager for the given hub URL. No network
// I/O happens until Connect or the first Emit.
func New(hubURL, selfID string) *Conn {
	return &Conn{
		url:    hubURL,
		selfID: selfID,
		rooms:  make(map[string]struct{}),
		subs:   make(map[string]map[chan *proto.Envelope]struct{}),
	}
}

// SelfID returns the participant identity this connection authenticates as.
func (c *Conn) SelfID() string {
	return c.selfID
}

// Connect dials the hub if not already connected. Safe to call repeatedly;
// an established connection is reused.
func (c *Conn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Conn) connectLocked() error {
	if c.closed {
		return fmt.Errorf("relay connection closed")
	}
	if c.ws != nil {
		return nil
	}

	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", c.selfID)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	c.ws = ws
	log.Printf("RELAY: connected to %s as %s", c.url, c.selfID)

	go c.readLoop(ws)
	return nil
}

// Emit sends a typed event to the hub. Fire-and-forget: delivery relies on
// the hub connection; no acknowledgement is awaited.
func (c *Conn) Emit(event, room string, v any) error {
	env, err := proto.NewEnvelope(event, room, v)
	if err != nil {
		return err
	}
	env.From = c.selfID
	return c.write(env)
}

// JoinRoom announces membership in a conversation room so room-scoped events
// reach this node. Re-announced automatically after a redial.
func (c *Conn) JoinRoom(roomID string) error {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
	return c.write(&proto.Envelope{Event: proto.EventJoinConversation, Room: roomID, From: c.selfID})
}

// LeaveRoom revokes room membership.
func (c *Conn) LeaveRoom(roomID string) error {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
	return c.write(&proto.Envelope{Event: proto.EventLeaveConversation, Room: roomID, From: c.selfID})
}

// Subscribe registers a listener for one event name. Multiple independent
// subscribers per event are supported; each receives its own copy.
// The returned cancel func removes the listener and closes the channel.
func (c *Conn) Subscribe(event string) (ch chan *proto.Envelope, cancel func()) {
	ch = make(chan *proto.Envelope, 64)

	c.subMu.Lock()
	if c.subs[event] == nil {
		c.subs[event] = make(map[chan *proto.Envelope]struct{})
	}
	c.subs[event][ch] = struct{}{}
	c.subMu.Unlock()

	cancel = func() {
		c.subMu.Lock()
		if set, ok := c.subs[event]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

// Close tears the connection down permanently. Only used at process exit.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		return ws.Close()
	}
	return nil
}

func (c *Conn) write(env *proto.Envelope) error {
	c.mu.Lock()
	if err := c.connectLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	ws := c.ws
	c.mu.Unlock()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return ws.WriteJSON(env)
}

// readLoop dispatches inbound envelopes to subscribers and redials when the
// connection drops.
func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		var env proto.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			c.mu.Lock()
			if c.ws == ws {
				c.ws = nil
			}
			closed := c.closed
			c.mu.Unlock()

			if !closed {
				log.Printf("RELAY: connection lost: %v", err)
				go c.redial()
			}
			return
		}
		c.dispatch(&env)
	}
}

func (c *Conn) dispatch(env *proto.Envelope) {
	c.subMu.RLock()
	for ch := range c.subs[env.Event] {
		select {
		case ch <- env:
		default:
			// Subscriber buffer full, drop for this listener.
		}
	}
	c.subMu.RUnlock()
}

// redial reconnects after a dropped connection and re-announces all joined
// rooms. Events emitted by the hub during the outage are lost; buffering
// them is the hub's concern, not the client's.
func (c *Conn) redial() {
	for {
		time.Sleep(redialWait)

		c.mu.Lock()
		if c.closed || c.ws != nil {
			c.mu.Unlock()
			return
		}
		err := c.connectLocked()
		var rooms []string
		if err == nil {
			for r := range c.rooms {
				rooms = append(rooms, r)
			}
		}
		c.mu.Unlock()

		if err != nil {
			log.Printf("RELAY: redial failed: %v", err)
			continue
		}

		for _, r := range rooms {
			if err := c.write(&proto.Envelope{Event: proto.EventJoinConversation, Room: r, From: c.selfID}); err != nil {
				log.Printf("RELAY: rejoin %s failed: %v", r, err)
			}
		}
		log.Printf("RELAY: reconnected, rejoined %d rooms", len(rooms))
		return
	}
}
