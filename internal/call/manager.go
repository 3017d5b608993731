package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/broly1009a/studymate-rtc/internal/proto"
)

// Manager runs one call variant (audio or video) for a client: it consumes
// that variant's relay events, routes them to per-conversation sessions, and
// surfaces incoming invitations. Audio and video variants are two Manager
// instances sharing one Signaler.
type Manager struct {
	selfID   string
	selfName string
	video    bool
	events   proto.CallEvents

	sig     Signaler
	media   MediaSource
	newPeer PeerFactory

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	incomingMu sync.RWMutex
	incoming   map[chan IncomingCall]struct{}

	done    chan struct{}
	cancels []func()
	wg      sync.WaitGroup
}

// New creates a manager for the given event set and starts its dispatch
// loops. Callers normally use NewAudio or NewVideo.
func New(sig Signaler, media MediaSource, newPeer PeerFactory, selfID, selfName string, events proto.CallEvents, video bool) *Manager {
	m := &Manager{
		selfID:   selfID,
		selfName: selfName,
		video:    video,
		events:   events,
		sig:      sig,
		media:    media,
		newPeer:  newPeer,
		sessions: make(map[string]*Session),
		incoming: make(map[chan IncomingCall]struct{}),
		done:     make(chan struct{}),
	}

	m.consume(events.Initiate, m.handleInvite)
	m.consume(events.Accept, m.handleAccept)
	m.consume(events.Reject, m.handleReject)
	m.consume(events.End, m.handleEnd)
	m.consume(events.Signal, m.handleSignal)

	return m
}

// NewAudio creates the voice-call manager.
func NewAudio(sig Signaler, media MediaSource, newPeer PeerFactory, selfID, selfName string) *Manager {
	return New(sig, media, newPeer, selfID, selfName, proto.AudioCall, false)
}

// NewVideo creates the video-call manager.
func NewVideo(sig Signaler, media MediaSource, newPeer PeerFactory, selfID, selfName string) *Manager {
	return New(sig, media, newPeer, selfID, selfName, proto.VideoCall, true)
}

func (m *Manager) consume(event string, handle func(*proto.Envelope)) {
	ch, cancel := m.sig.Subscribe(event)
	m.cancels = append(m.cancels, cancel)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case env, ok := <-ch:
				if !ok {
					return
				}
				if env.From == m.selfID {
					continue
				}
				handle(env)
			case <-m.done:
				return
			}
		}
	}()
}

// Call starts an outbound call on the conversation. Fails fast when a call
// is already in progress there; a MediaAccessError leaves no trace.
func (m *Manager) Call(conversationID, remoteID string) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("call manager closed")
	}
	if existing, ok := m.sessions[conversationID]; ok {
		status := existing.Status()
		if status != StatusIdle {
			m.mu.Unlock()
			return nil, fmt.Errorf("call already %s on %s", status, conversationID)
		}
	}
	s := newSession(m, conversationID, remoteID, "", StatusIdle)
	m.sessions[conversationID] = s
	m.mu.Unlock()

	if err := s.start(); err != nil {
		m.remove(s)
		return nil, err
	}
	return s, nil
}

// Session returns the session for the conversation, or nil.
func (m *Manager) Session(conversationID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[conversationID]
}

// OnIncoming returns a channel receiving call invitations. The cancel func
// removes the listener and closes the channel.
func (m *Manager) OnIncoming() (ch chan IncomingCall, cancel func()) {
	ch = make(chan IncomingCall, 4)

	m.incomingMu.Lock()
	m.incoming[ch] = struct{}{}
	m.incomingMu.Unlock()

	cancel = func() {
		m.incomingMu.Lock()
		if _, ok := m.incoming[ch]; ok {
			delete(m.incoming, ch)
			close(ch)
		}
		m.incomingMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) notifyIncoming(ic IncomingCall) {
	m.incomingMu.RLock()
	for ch := range m.incoming {
		select {
		case ch <- ic:
		default:
		}
	}
	m.incomingMu.RUnlock()
}

// handleInvite handles a remote call invitation. When both sides dialed at
// the same time, the participant with the lexicographically lower user ID
// keeps the initiator role and the other side's attempt is dropped.
func (m *Manager) handleInvite(env *proto.Envelope) {
	var inv proto.CallInvite
	if err := env.Decode(&inv); err != nil {
		log.Printf("CALL: bad invite payload: %v", err)
		return
	}
	convID := inv.ConversationID
	if convID == "" {
		convID = env.Room
	}

	m.mu.Lock()
	existing := m.sessions[convID]
	if existing != nil {
		switch existing.Status() {
		case StatusIdle:
			// Lingering entry; replace below.
		case StatusCalling:
			if m.selfID < inv.CallerID {
				m.mu.Unlock()
				log.Printf("CALL [%s]: glare, keeping initiator role", convID)
				return
			}
			m.mu.Unlock()
			log.Printf("CALL [%s]: glare, yielding to %s", convID, inv.CallerID)
			existing.abandonForGlare()
			m.mu.Lock()
		default:
			// Already ringing, connected or winding down.
			m.mu.Unlock()
			log.Printf("CALL [%s]: ignoring invite while %s", convID, existing.Status())
			return
		}
	}
	s := newSession(m, convID, inv.CallerID, inv.CallerName, StatusRinging)
	m.sessions[convID] = s
	m.mu.Unlock()

	log.Printf("CALL [%s]: incoming call from %s", convID, inv.CallerID)
	s.notify(StatusRinging)
	m.notifyIncoming(IncomingCall{
		ConversationID: convID,
		CallerID:       inv.CallerID,
		CallerName:     inv.CallerName,
		Accept:         s.Accept,
		Reject:         s.Reject,
	})
}

func (m *Manager) handleAccept(env *proto.Envelope) {
	var ctl proto.CallControl
	if err := env.Decode(&ctl); err != nil {
		return
	}
	if s := m.Session(ctl.ConversationID); s != nil {
		log.Printf("CALL [%s]: %s accepted", ctl.ConversationID, ctl.UserID)
	}
}

func (m *Manager) handleReject(env *proto.Envelope) {
	var ctl proto.CallControl
	if err := env.Decode(&ctl); err != nil {
		return
	}
	if s := m.Session(ctl.ConversationID); s != nil {
		log.Printf("CALL [%s]: %s rejected", ctl.ConversationID, ctl.UserID)
		s.teardown(false)
	}
}

func (m *Manager) handleEnd(env *proto.Envelope) {
	var ctl proto.CallControl
	if err := env.Decode(&ctl); err != nil {
		return
	}
	if s := m.Session(ctl.ConversationID); s != nil {
		s.teardown(false)
	}
}

func (m *Manager) handleSignal(env *proto.Envelope) {
	var sig proto.CallSignal
	if err := env.Decode(&sig); err != nil {
		log.Printf("CALL: bad signal payload: %v", err)
		return
	}
	s := m.Session(sig.ConversationID)
	if s == nil {
		// Signal for a call this client never saw; stale or misrouted.
		return
	}
	s.handleSignal(sig.Signal)
}

// remove drops the session entry once it has fully returned to idle. A
// replacement stored under the same conversation in the meantime stays.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if m.sessions[s.conversationID] == s {
		delete(m.sessions, s.conversationID)
	}
	m.mu.Unlock()
}

// Close ends every active call and stops the dispatch loops.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.End()
	}
	close(m.done)
	for _, cancel := range m.cancels {
		cancel()
	}
	m.wg.Wait()
}
