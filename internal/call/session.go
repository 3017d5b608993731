package call

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/broly1009a/studymate-rtc/internal/proto"
)

// endedLinger is how long a session stays in the ended state before
// returning to idle, so observers can show the call outcome.
const endedLinger = 2 * time.Second

// Session is one call on one conversation. At most one session per
// conversation exists per client; the Manager enforces that.
type Session struct {
	conversationID string
	selfID         string
	selfName       string
	video          bool
	events         proto.CallEvents

	sig     Signaler
	media   MediaSource
	newPeer PeerFactory
	onIdle  func(*Session)

	mu         sync.Mutex
	status     Status
	remoteID   string
	remoteName string
	local      *LocalMedia
	peer       PeerLink
	pending    pendingSignal
	audioOn    bool
	videoOn    bool

	watchMu  sync.RWMutex
	watchers map[chan Status]struct{}
}

func newSession(m *Manager, conversationID, remoteID, remoteName string, status Status) *Session {
	return &Session{
		conversationID: conversationID,
		selfID:         m.selfID,
		selfName:       m.selfName,
		video:          m.video,
		events:         m.events,
		sig:            m.sig,
		media:          m.media,
		newPeer:        m.newPeer,
		onIdle:         m.remove,
		status:         status,
		remoteID:       remoteID,
		remoteName:     remoteName,
		audioOn:        true,
		videoOn:        true,
		watchers:       make(map[chan Status]struct{}),
	}
}

// ConversationID returns the conversation this call belongs to.
func (s *Session) ConversationID() string { return s.conversationID }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RemoteName returns the display name of the other participant, as captured
// from the call invitation.
func (s *Session) RemoteName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteName
}

// Watch returns a channel receiving status transitions. The cancel func
// removes the watcher and closes the channel.
func (s *Session) Watch() (ch chan Status, cancel func()) {
	ch = make(chan Status, 8)

	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()

	cancel = func() {
		s.watchMu.Lock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
		s.watchMu.Unlock()
	}
	return ch, cancel
}

func (s *Session) notify(st Status) {
	s.watchMu.RLock()
	for ch := range s.watchers {
		select {
		case ch <- st:
		default:
		}
	}
	s.watchMu.RUnlock()
}

// start performs the idle→calling transition: acquire media, create the
// peer object as initiator, announce the call. On media failure the session
// stays idle and the caller gets a MediaAccessError.
func (s *Session) start() error {
	local, err := s.media.Acquire(s.video)
	if err != nil {
		return &MediaAccessError{Err: err}
	}

	peer, err := s.newPeer(PeerConfig{
		ConversationID: s.conversationID,
		Initiator:      true,
		Video:          s.video,
		Local:          local,
		OnSignal:       s.relayLocalSignal,
		OnTrack:        s.onRemoteTrack,
		OnError:        s.onPeerError,
	})
	if err != nil {
		local.Stop()
		return fmt.Errorf("create peer: %w", err)
	}

	s.mu.Lock()
	if s.status != StatusIdle {
		status := s.status
		s.mu.Unlock()
		local.Stop()
		peer.Close()
		return fmt.Errorf("call already %s on %s", status, s.conversationID)
	}
	s.status = StatusCalling
	s.local = local
	s.peer = peer
	s.mu.Unlock()

	log.Printf("CALL [%s]: calling %s", s.conversationID, s.remoteID)
	s.notify(StatusCalling)

	return s.sig.Emit(s.events.Initiate, s.conversationID, proto.CallInvite{
		ConversationID: s.conversationID,
		CallerID:       s.selfID,
		CallerName:     s.selfName,
	})
}

// Accept answers a ringing call: acquire media, create the peer object as
// non-initiator, replay a buffered negotiation signal if one arrived early.
// The session stays ringing until remote media arrives.
func (s *Session) Accept() error {
	s.mu.Lock()
	if s.status != StatusRinging {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("no ringing call to accept (status %s)", status)
	}
	s.mu.Unlock()

	local, err := s.media.Acquire(s.video)
	if err != nil {
		return &MediaAccessError{Err: err}
	}

	peer, err := s.newPeer(PeerConfig{
		ConversationID: s.conversationID,
		Initiator:      false,
		Video:          s.video,
		Local:          local,
		OnSignal:       s.relayLocalSignal,
		OnTrack:        s.onRemoteTrack,
		OnError:        s.onPeerError,
	})
	if err != nil {
		local.Stop()
		return fmt.Errorf("create peer: %w", err)
	}

	s.mu.Lock()
	if s.status != StatusRinging {
		// Call ended while media permission was pending.
		s.mu.Unlock()
		local.Stop()
		peer.Close()
		return fmt.Errorf("call on %s ended before accept completed", s.conversationID)
	}
	s.local = local
	s.peer = peer
	buffered := s.pending
	s.pending = pendingSignal{}
	s.mu.Unlock()

	// A signal that raced ahead of peer creation is applied exactly once,
	// before the peer is considered ready.
	if buffered.ok {
		log.Printf("CALL [%s]: applying buffered signal", s.conversationID)
		if err := peer.Signal(buffered.data); err != nil {
			log.Printf("CALL [%s]: buffered signal failed: %v", s.conversationID, err)
			s.teardown(true)
			return fmt.Errorf("apply buffered signal: %w", err)
		}
	}

	log.Printf("CALL [%s]: accepted call from %s", s.conversationID, s.remoteID)
	return s.sig.Emit(s.events.Accept, s.conversationID, proto.CallControl{
		ConversationID: s.conversationID,
		UserID:         s.selfID,
	})
}

// Reject declines a ringing call without acquiring media.
func (s *Session) Reject() {
	s.mu.Lock()
	if s.status != StatusRinging {
		s.mu.Unlock()
		return
	}
	s.status = StatusIdle
	s.pending = pendingSignal{}
	s.mu.Unlock()

	_ = s.sig.Emit(s.events.Reject, s.conversationID, proto.CallControl{
		ConversationID: s.conversationID,
		UserID:         s.selfID,
	})
	log.Printf("CALL [%s]: rejected call from %s", s.conversationID, s.remoteID)
	s.notify(StatusIdle)
	s.onIdle(s)
}

// End hangs up. Safe to call from any state and from concurrent paths: the
// status transition under the lock is the re-entrancy guard, so teardown
// runs at most once.
func (s *Session) End() {
	s.teardown(true)
}

// ToggleAudio flips local audio on/off. Returns the new muted state (true = muted).
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.audioOn = !s.audioOn
	muted := !s.audioOn
	s.mu.Unlock()
	log.Printf("CALL [%s]: audio muted=%v", s.conversationID, muted)
	return muted
}

// ToggleVideo flips local video on/off. Returns the new disabled state (true = disabled).
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOn = !s.videoOn
	disabled := !s.videoOn
	s.mu.Unlock()
	log.Printf("CALL [%s]: video disabled=%v", s.conversationID, disabled)
	return disabled
}

// teardown releases media and the peer object, optionally notifies the
// remote side, and parks the session in ended before returning to idle.
func (s *Session) teardown(emit bool) {
	s.mu.Lock()
	if s.status == StatusIdle || s.status == StatusEnded {
		s.mu.Unlock()
		return
	}
	s.status = StatusEnded
	local, peer := s.local, s.peer
	s.local, s.peer = nil, nil
	s.pending = pendingSignal{}
	s.mu.Unlock()

	if local != nil {
		local.Stop()
	}
	if peer != nil {
		peer.Close()
	}
	if emit {
		_ = s.sig.Emit(s.events.End, s.conversationID, proto.CallControl{
			ConversationID: s.conversationID,
			UserID:         s.selfID,
		})
	}
	log.Printf("CALL [%s]: ended", s.conversationID)
	s.notify(StatusEnded)

	time.AfterFunc(endedLinger, func() {
		s.mu.Lock()
		if s.status != StatusEnded {
			s.mu.Unlock()
			return
		}
		s.status = StatusIdle
		s.mu.Unlock()
		s.notify(StatusIdle)
		s.onIdle(s)
	})
}

// abandonForGlare silently drops an outbound attempt that lost the glare
// tie-break. No end event is emitted and there is no ended linger; the
// manager immediately replaces the session with a ringing one.
func (s *Session) abandonForGlare() {
	s.mu.Lock()
	if s.status != StatusCalling {
		s.mu.Unlock()
		return
	}
	s.status = StatusIdle
	local, peer := s.local, s.peer
	s.local, s.peer = nil, nil
	s.pending = pendingSignal{}
	s.mu.Unlock()

	if local != nil {
		local.Stop()
	}
	if peer != nil {
		peer.Close()
	}
	log.Printf("CALL [%s]: abandoned outbound attempt (glare)", s.conversationID)
	s.notify(StatusIdle)
}

// relayLocalSignal forwards a locally produced negotiation payload to the
// remote peer, tagged with the conversation and our identity.
func (s *Session) relayLocalSignal(data json.RawMessage) {
	if err := s.sig.Emit(s.events.Signal, s.conversationID, proto.CallSignal{
		ConversationID: s.conversationID,
		UserID:         s.selfID,
		Signal:         data,
	}); err != nil {
		log.Printf("CALL [%s]: relay signal failed: %v", s.conversationID, err)
	}
}

// handleSignal applies an inbound negotiation payload, or buffers it when
// the local peer object does not exist yet (the initiator's offer routinely
// outruns the receiver's accept).
func (s *Session) handleSignal(data json.RawMessage) {
	s.mu.Lock()
	switch s.status {
	case StatusIdle, StatusEnded:
		s.mu.Unlock()
		return
	default:
	}
	peer := s.peer
	if peer == nil {
		s.pending = pendingSignal{data: data, ok: true}
		s.mu.Unlock()
		log.Printf("CALL [%s]: buffered early signal", s.conversationID)
		return
	}
	s.mu.Unlock()

	if err := peer.Signal(data); err != nil {
		log.Printf("CALL [%s]: apply signal failed: %v", s.conversationID, err)
		s.teardown(true)
	}
}

// onRemoteTrack marks the call connected when the first remote track
// arrives. Playback sinks are the embedding UI's concern.
func (s *Session) onRemoteTrack(kind string) {
	s.mu.Lock()
	if s.status != StatusCalling && s.status != StatusRinging {
		s.mu.Unlock()
		return
	}
	s.status = StatusConnected
	s.mu.Unlock()

	log.Printf("CALL [%s]: remote %s track, connected", s.conversationID, kind)
	s.notify(StatusConnected)
}

// onPeerError treats any connection failure as an immediate hang-up.
func (s *Session) onPeerError(err error) {
	log.Printf("CALL [%s]: peer error: %v", s.conversationID, err)
	s.teardown(true)
}
