// Package call manages audio and video call sessions between the two
// participants of a conversation. It owns the call lifecycle state machine,
// local media acquisition and the peer-connection negotiation, and talks to
// the rest of the application only through the Signaler interface and the
// MediaSource/PeerFactory seams.
package call

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/broly1009a/studymate-rtc/internal/proto"
)

// Signaler is the only surface the call package needs from the relay layer.
// The concrete relay.Conn satisfies it; tests use an in-memory fake.
type Signaler interface {
	Emit(event, room string, v any) error
	Subscribe(event string) (ch chan *proto.Envelope, cancel func())
}

// Status is the call lifecycle state. A session holds exactly one status at
// any observation point.
type Status int32

const (
	StatusIdle Status = iota
	StatusCalling
	StatusRinging
	StatusConnected
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCalling:
		return "calling"
	case StatusRinging:
		return "ringing"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	}
	return "unknown"
}

// MediaAccessError reports that local capture could not be acquired, e.g.
// because device permission was denied or no device exists. Recoverable:
// the call transition aborts and the session stays in its prior state.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string { return "media access denied: " + e.Err.Error() }
func (e *MediaAccessError) Unwrap() error { return e.Err }

// Track is one captured local media track. Close releases the underlying
// device; the capture indicator must go off on every call exit path.
type Track interface {
	Kind() string
	Close() error
}

// LocalMedia bundles the tracks of one capture acquisition.
type LocalMedia struct {
	Tracks []Track

	// rtc holds the webrtc-attachable form of Tracks; empty for fakes, in
	// which case the peer connection is built receive-only.
	rtc []webrtc.TrackLocal

	// populate registers the capture codecs on the peer's media engine.
	// Nil means default codecs.
	populate func(*webrtc.MediaEngine) error
}

// Stop releases every track. Safe to call once per acquisition.
func (l *LocalMedia) Stop() {
	for _, t := range l.Tracks {
		t.Close()
	}
}

// MediaSource acquires local capture. The video flag selects the
// audio+video constraints of the video call variant.
type MediaSource interface {
	Acquire(video bool) (*LocalMedia, error)
}

// PeerConfig configures one peer-connection object.
type PeerConfig struct {
	ConversationID string
	Initiator      bool
	Video          bool
	Local          *LocalMedia

	// OnSignal fires when the local side produces a negotiation payload
	// that must reach the remote peer via the relay.
	OnSignal func(data json.RawMessage)

	// OnTrack fires when remote media arrives; kind is "audio" or "video".
	OnTrack func(kind string)

	// OnError fires on unrecoverable connection failure. Treated as an
	// immediate hang-up.
	OnError func(err error)
}

// PeerLink is the session's handle on a peer-connection object.
type PeerLink interface {
	// Signal applies a remote negotiation payload.
	Signal(data json.RawMessage) error
	Close() error
}

// PeerFactory creates a peer-connection object. Production wiring uses
// NewPionPeer; tests substitute a fake.
type PeerFactory func(cfg PeerConfig) (PeerLink, error)

// pendingSignal is the single-slot buffer for a negotiation payload that
// arrived before the local peer object existed. An explicit Empty|Buffered
// variant: ok distinguishes "nothing buffered" from a buffered empty
// payload. Last write wins; sufficient for the one-offer/one-answer
// negotiation shape used here.
type pendingSignal struct {
	data json.RawMessage
	ok   bool
}

// IncomingCall is handed to OnIncoming listeners when a call invitation
// arrives for a conversation.
type IncomingCall struct {
	ConversationID string
	CallerID       string
	CallerName     string

	// Accept acquires media, creates the peer object and answers the call.
	Accept func() error

	// Reject declines without ever touching capture devices.
	Reject func()
}
