// Package hub implements the relay server: WebSocket rooms keyed by
// conversation ID with broadcast fan-out, the message persistence REST
// endpoints, and an optional NATS bridge for multi-instance deployments.
package hub

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/broly1009a/studymate-rtc/internal/proto"
	"github.com/broly1009a/studymate-rtc/internal/storage"
)

var log = logging.Logger("hub")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Clients connect from app webviews and local tooling; origin checks are
	// an auth concern and auth lives outside this core.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is one relay hub instance.
type Server struct {
	addr    string
	store   *storage.DB
	id      string
	bridge  *bridge
	natsURL string

	mu    sync.Mutex
	rooms map[string]map[*client]struct{}

	httpSrv *http.Server
	ln      net.Listener
}

// client is one connected node.
type client struct {
	userID string
	ws     *websocket.Conn
	send   chan *proto.Envelope
	rooms  map[string]struct{}
}

// New creates a hub listening on addr, persisting to store. natsURL may be
// empty; when set, room events are bridged across hub instances.
func New(addr string, store *storage.DB, natsURL string) *Server {
	return &Server{
		addr:    addr,
		store:   store,
		id:      uuid.NewString(),
		natsURL: natsURL,
		rooms:   make(map[string]map[*client]struct{}),
	}
}

// Start begins serving. The server shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("hub listen: %w", err)
	}
	s.ln = ln

	if s.natsURL != "" {
		b, err := newBridge(s.natsURL, s.id)
		if err != nil {
			ln.Close()
			return fmt.Errorf("hub bridge: %w", err)
		}
		if err := b.start(s.deliverLocal); err != nil {
			b.close()
			ln.Close()
			return fmt.Errorf("hub bridge subscribe: %w", err)
		}
		s.bridge = b
		log.Infof("bridge connected to %s", s.natsURL)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.registerAPI(mux)

	s.httpSrv = &http.Server{Handler: mux}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("serve: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutCtx)
		if s.bridge != nil {
			s.bridge.close()
		}
	}()

	log.Infof("listening on %s", ln.Addr())
	return nil
}

// URL returns the base HTTP URL of the running server.
func (s *Server) URL() string {
	return "http://" + s.ln.Addr().String()
}

// WSURL returns the WebSocket endpoint of the running server.
func (s *Server) WSURL() string {
	return "ws://" + s.ln.Addr().String() + "/ws"
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade: %v", err)
		return
	}

	cl := &client{
		userID: userID,
		ws:     ws,
		send:   make(chan *proto.Envelope, 64),
		rooms:  make(map[string]struct{}),
	}
	log.Infof("connected: %s", userID)

	go cl.writePump()
	s.readLoop(cl)
}

func (cl *client) writePump() {
	for env := range cl.send {
		if err := cl.ws.WriteJSON(env); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(cl *client) {
	defer func() {
		s.mu.Lock()
		for room := range cl.rooms {
			s.removeLocked(room, cl)
		}
		// Closed under the lock so broadcast never sends on a dead channel.
		close(cl.send)
		s.mu.Unlock()
		cl.ws.Close()
		log.Infof("disconnected: %s", cl.userID)
	}()

	for {
		var env proto.Envelope
		if err := cl.ws.ReadJSON(&env); err != nil {
			return
		}

		// The hub, not the client, is authoritative for sender identity.
		env.From = cl.userID

		switch env.Event {
		case proto.EventJoinConversation:
			s.join(env.Room, cl)
		case proto.EventLeaveConversation:
			s.leave(env.Room, cl)
		default:
			if env.Room == "" {
				continue
			}
			s.broadcast(env.Room, &env, cl)
			if s.bridge != nil {
				s.bridge.publish(&env)
			}
		}
	}
}

func (s *Server) join(room string, cl *client) {
	if room == "" {
		return
	}
	s.mu.Lock()
	if s.rooms[room] == nil {
		s.rooms[room] = make(map[*client]struct{})
	}
	s.rooms[room][cl] = struct{}{}
	cl.rooms[room] = struct{}{}
	s.mu.Unlock()
	log.Debugf("%s joined %s", cl.userID, room)
}

func (s *Server) leave(room string, cl *client) {
	s.mu.Lock()
	s.removeLocked(room, cl)
	delete(cl.rooms, room)
	s.mu.Unlock()
}

func (s *Server) removeLocked(room string, cl *client) {
	if set, ok := s.rooms[room]; ok {
		delete(set, cl)
		if len(set) == 0 {
			delete(s.rooms, room)
		}
	}
}

// broadcast delivers env to every member of the room except the sender.
// Sends are non-blocking under the lock; slow consumers are skipped rather
// than blocking the room.
func (s *Server) broadcast(room string, env *proto.Envelope, except *client) {
	s.mu.Lock()
	for cl := range s.rooms[room] {
		if cl == except {
			continue
		}
		select {
		case cl.send <- env:
		default:
			log.Warnf("dropping %s for slow consumer %s", env.Event, cl.userID)
		}
	}
	s.mu.Unlock()
}

// deliverLocal is the bridge's entry point: fan a remote instance's envelope
// out to local room members.
func (s *Server) deliverLocal(env *proto.Envelope) {
	s.broadcast(env.Room, env, nil)
}
