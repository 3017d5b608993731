// Package chat keeps a client's conversation list and open-conversation view
// in sync: history comes from the hub's REST surface, live updates arrive
// over the relay's new-message events.
package chat

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/broly1009a/studymate-rtc/internal/proto"
	"github.com/broly1009a/studymate-rtc/internal/util"
)

// viewCap bounds the open-conversation message view. Older messages stay in
// the hub's store; the view is a window, not the archive.
const viewCap = 256

// Relay is the surface the inbox needs from the relay connection.
type Relay interface {
	JoinRoom(roomID string) error
	Subscribe(event string) (ch chan *proto.Envelope, cancel func())
}

// Inbox is one user's message state: every conversation they belong to plus
// the currently open conversation's message view.
type Inbox struct {
	selfID string
	api    HistoryAPI
	relay  Relay

	mu     sync.Mutex
	convs  map[string]*proto.Conversation
	openID string
	view   *util.RingBuffer[proto.Message]
	loaded bool

	listenMu  sync.RWMutex
	listeners map[chan string]struct{}

	cancelSub func()
	done      chan struct{}
}

// NewInbox creates an inbox for selfID. Call Load before anything else.
func NewInbox(selfID string, api HistoryAPI, relay Relay) *Inbox {
	return &Inbox{
		selfID:    selfID,
		api:       api,
		relay:     relay,
		convs:     make(map[string]*proto.Conversation),
		listeners: make(map[chan string]struct{}),
		done:      make(chan struct{}),
	}
}

// Load fetches the conversation list, joins every conversation's room so
// live events flow regardless of which conversation is open, and starts
// consuming new-message events.
func (in *Inbox) Load() error {
	convs, err := in.api.Conversations(in.selfID)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	in.mu.Lock()
	for i := range convs {
		c := convs[i]
		in.convs[c.ID] = &c
	}
	in.loaded = true
	in.mu.Unlock()

	for _, c := range convs {
		if err := in.relay.JoinRoom(c.ID); err != nil {
			log.Printf("CHAT: join room %s: %v", c.ID, err)
		}
	}

	ch, cancel := in.relay.Subscribe(proto.EventNewMessage)
	in.cancelSub = cancel
	go in.consume(ch)

	log.Printf("CHAT: loaded %d conversations for %s", len(convs), in.selfID)
	return nil
}

// Close stops the event loop.
func (in *Inbox) Close() {
	close(in.done)
	if in.cancelSub != nil {
		in.cancelSub()
	}
}

// Conversations returns the conversation list, most recent activity first.
func (in *Inbox) Conversations() []proto.Conversation {
	in.mu.Lock()
	out := make([]proto.Conversation, 0, len(in.convs))
	for _, c := range in.convs {
		out = append(out, *c)
	}
	in.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt > out[j].LastMessageAt
	})
	return out
}

// Unread returns this user's unread count for the conversation.
func (in *Inbox) Unread(conversationID string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	if c, ok := in.convs[conversationID]; ok {
		return c.Unread[in.selfID]
	}
	return 0
}

// Open makes the conversation the active one: its history fills the message
// view and it is marked read. Any previously open conversation is closed.
func (in *Inbox) Open(conversationID string) error {
	in.mu.Lock()
	if _, ok := in.convs[conversationID]; !ok {
		in.mu.Unlock()
		return fmt.Errorf("unknown conversation %s", conversationID)
	}
	in.mu.Unlock()

	msgs, err := in.api.Messages(conversationID, viewCap)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	view := util.NewRingBuffer[proto.Message](viewCap)
	for _, m := range msgs {
		view.Push(m)
	}

	in.mu.Lock()
	in.openID = conversationID
	in.view = view
	in.mu.Unlock()

	in.notify(conversationID)
	in.MarkRead(conversationID)
	return nil
}

// CloseConversation deactivates the open conversation. Room membership is
// kept; only the view goes away.
func (in *Inbox) CloseConversation() {
	in.mu.Lock()
	in.openID = ""
	in.view = nil
	in.mu.Unlock()
}

// OpenID returns the active conversation ID, or "".
func (in *Inbox) OpenID() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.openID
}

// View returns the open conversation's messages, oldest first. Nil when no
// conversation is open.
func (in *Inbox) View() []proto.Message {
	in.mu.Lock()
	view := in.view
	in.mu.Unlock()
	if view == nil {
		return nil
	}
	return view.Snapshot()
}

// MarkRead zeroes the local unread count immediately and reports the read
// state to the hub. If the hub call fails the local count is restored, so
// the badge never lies about what the server knows.
func (in *Inbox) MarkRead(conversationID string) {
	in.mu.Lock()
	conv, ok := in.convs[conversationID]
	if !ok {
		in.mu.Unlock()
		return
	}
	prev := conv.Unread[in.selfID]
	if prev == 0 {
		in.mu.Unlock()
		return
	}
	if conv.Unread == nil {
		conv.Unread = make(map[string]int)
	}
	conv.Unread[in.selfID] = 0
	in.mu.Unlock()
	in.notify(conversationID)

	go func() {
		if err := in.api.MarkRead(conversationID, in.selfID); err != nil {
			log.Printf("CHAT: mark read %s failed, reverting: %v", conversationID, err)
			in.mu.Lock()
			if c, ok := in.convs[conversationID]; ok {
				c.Unread[in.selfID] = prev
			}
			in.mu.Unlock()
			in.notify(conversationID)
		}
	}()
}

// Send submits a message to the hub. The message is NOT appended locally:
// it comes back through the conversation room like everyone else's, so the
// view shows exactly what was persisted.
func (in *Inbox) Send(conversationID, recipientID, content string) error {
	if content == "" {
		return fmt.Errorf("empty message")
	}
	out, err := in.api.Send(conversationID, in.selfID, recipientID, content)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	// First contact creates the conversation server-side; join its room so
	// the echo and the reply both arrive.
	in.mu.Lock()
	_, known := in.convs[out.Conversation.ID]
	in.mu.Unlock()
	if !known {
		if err := in.relay.JoinRoom(out.Conversation.ID); err != nil {
			log.Printf("CHAT: join room %s: %v", out.Conversation.ID, err)
		}
	}
	return nil
}

// React records an emoji reaction on a message.
func (in *Inbox) React(messageID, emoji string) error {
	return in.api.React(messageID, in.selfID, emoji)
}

// Updates returns a channel receiving the ID of each conversation whose
// state changed. The cancel func removes the listener and closes the channel.
func (in *Inbox) Updates() (ch chan string, cancel func()) {
	ch = make(chan string, 16)

	in.listenMu.Lock()
	in.listeners[ch] = struct{}{}
	in.listenMu.Unlock()

	cancel = func() {
		in.listenMu.Lock()
		if _, ok := in.listeners[ch]; ok {
			delete(in.listeners, ch)
			close(ch)
		}
		in.listenMu.Unlock()
	}
	return ch, cancel
}

func (in *Inbox) notify(conversationID string) {
	in.listenMu.RLock()
	for ch := range in.listeners {
		select {
		case ch <- conversationID:
		default:
		}
	}
	in.listenMu.RUnlock()
}

func (in *Inbox) consume(ch chan *proto.Envelope) {
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			in.handleNewMessage(env)
		case <-in.done:
			return
		}
	}
}

// handleNewMessage updates the conversation summary for every conversation,
// but appends the message to the view only when its conversation is the open
// one. Messages for background conversations surface as unread counts.
func (in *Inbox) handleNewMessage(env *proto.Envelope) {
	var nm proto.NewMessage
	if err := env.Decode(&nm); err != nil {
		log.Printf("CHAT: bad new-message payload: %v", err)
		return
	}

	in.mu.Lock()
	conv := nm.Conversation
	in.convs[conv.ID] = &conv
	open := in.openID == conv.ID
	view := in.view
	in.mu.Unlock()

	if open && view != nil {
		view.Push(nm.Message)
	}
	in.notify(conv.ID)

	// Reading happens where the view is; an open conversation's messages are
	// read on arrival.
	if open && nm.Message.SenderID != in.selfID {
		in.MarkRead(conv.ID)
	}
}
