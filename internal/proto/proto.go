// Package proto defines the wire surface shared by the relay hub and its
// clients: the envelope framing, the event names, and the payload types that
// ride inside them.
package proto

import "encoding/json"

// Envelope is the frame exchanged over the relay WebSocket. Room-scoped
// events carry the conversation ID in Room; the hub stamps From with the
// sender's user ID before fanning out, so clients cannot spoof identity.
type Envelope struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	From  string          `json:"from,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope with v marshalled into Data.
func NewEnvelope(event, room string, v any) (*Envelope, error) {
	env := &Envelope{Event: event, Room: room}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		env.Data = b
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Room membership and chat events.
const (
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventNewMessage        = "new-message"
)

// CallEvents names the five relay events of one call variant. The audio and
// video call flows are identical in shape but use disjoint event names so a
// client can run both variants over the same connection.
type CallEvents struct {
	Initiate string
	Accept   string
	Reject   string
	End      string
	Signal   string
}

var (
	// AudioCall is the event set for voice-only calls.
	AudioCall = CallEvents{
		Initiate: "call-initiate",
		Accept:   "call-accept",
		Reject:   "call-reject",
		End:      "call-end",
		Signal:   "call-signal",
	}

	// VideoCall is the event set for audio+video calls.
	VideoCall = CallEvents{
		Initiate: "video-call-initiate",
		Accept:   "video-call-accept",
		Reject:   "video-call-reject",
		End:      "video-call-end",
		Signal:   "video-call-signal",
	}
)

// CallInvite announces an incoming call to the other participant.
type CallInvite struct {
	ConversationID string `json:"conversationId"`
	CallerID       string `json:"callerId"`
	CallerName     string `json:"callerName"`
}

// CallControl is the payload of accept, reject and end events.
type CallControl struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// CallSignal relays an opaque connection-negotiation payload between the two
// peers of a call. The relay never inspects Signal.
type CallSignal struct {
	ConversationID string          `json:"conversationId"`
	UserID         string          `json:"userId"`
	Signal         json.RawMessage `json:"signal"`
}

// Reaction is a single emoji reaction on a message.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is one chat message. Append-only; the owning conversation tracks
// the derived preview and unread state.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content"`
	Delivered      bool       `json:"delivered"`
	Seen           bool       `json:"seen"`
	Reactions      []Reaction `json:"reactions,omitempty"`
	CreatedAt      int64      `json:"createdAt"` // unix millis
}

// Conversation is a two-participant thread with a denormalized last-message
// preview and a per-participant unread counter.
type Conversation struct {
	ID            string         `json:"id"`
	Participants  [2]string      `json:"participants"`
	LastMessage   string         `json:"lastMessage"`
	LastSenderID  string         `json:"lastSenderId"`
	LastMessageAt int64          `json:"lastMessageAt"`
	Unread        map[string]int `json:"unread"`
}

// Other returns the participant that is not userID. Falls back to the first
// participant if userID is not part of the conversation.
func (c *Conversation) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	if c.Participants[1] == userID {
		return c.Participants[0]
	}
	return c.Participants[0]
}

// NewMessage is the payload broadcast by the hub to a conversation room after
// a message has been persisted.
type NewMessage struct {
	Message      Message      `json:"message"`
	Conversation Conversation `json:"conversation"`
}
