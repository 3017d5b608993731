package chat

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/broly1009a/studymate-rtc/internal/proto"
)

type fakeAPI struct {
	mu           sync.Mutex
	convs        []proto.Conversation
	history      map[string][]proto.Message
	markReads    []string
	failMarkRead bool
	sent         []string
	sendResult   proto.NewMessage
}

func (f *fakeAPI) Conversations(userID string) ([]proto.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proto.Conversation(nil), f.convs...), nil
}

func (f *fakeAPI) Messages(conversationID string, limit int) ([]proto.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[conversationID], nil
}

func (f *fakeAPI) Send(conversationID, senderID, recipientID, content string) (proto.NewMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	return f.sendResult, nil
}

func (f *fakeAPI) MarkRead(conversationID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMarkRead {
		return errors.New("hub unreachable")
	}
	f.markReads = append(f.markReads, conversationID)
	return nil
}

func (f *fakeAPI) React(messageID, userID, emoji string) error { return nil }

func (f *fakeAPI) markReadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markReads)
}

type fakeRelay struct {
	mu     sync.Mutex
	joined []string
	subs   map[string][]chan *proto.Envelope
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{subs: make(map[string][]chan *proto.Envelope)}
}

func (f *fakeRelay) JoinRoom(roomID string) error {
	f.mu.Lock()
	f.joined = append(f.joined, roomID)
	f.mu.Unlock()
	return nil
}

func (f *fakeRelay) Subscribe(event string) (chan *proto.Envelope, func()) {
	ch := make(chan *proto.Envelope, 64)
	f.mu.Lock()
	f.subs[event] = append(f.subs[event], ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeRelay) deliver(t *testing.T, event, room string, v any) {
	t.Helper()
	env, err := proto.NewEnvelope(event, room, v)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	f.mu.Lock()
	chans := append([]chan *proto.Envelope(nil), f.subs[event]...)
	f.mu.Unlock()
	for _, ch := range chans {
		ch <- env
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func twoConversations() []proto.Conversation {
	return []proto.Conversation{
		{
			ID:            "conv1",
			Participants:  [2]string{"alice", "bob"},
			LastMessageAt: 200,
			Unread:        map[string]int{"alice": 2},
		},
		{
			ID:            "conv2",
			Participants:  [2]string{"alice", "carol"},
			LastMessageAt: 100,
			Unread:        map[string]int{"alice": 0},
		},
	}
}

func newTestInbox(t *testing.T, api *fakeAPI) (*Inbox, *fakeRelay) {
	t.Helper()
	relay := newFakeRelay()
	in := NewInbox("alice", api, relay)
	if err := in.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(in.Close)
	return in, relay
}

func TestLoadJoinsEveryConversationRoom(t *testing.T) {
	api := &fakeAPI{convs: twoConversations()}
	_, relay := newTestInbox(t, api)

	relay.mu.Lock()
	joined := append([]string(nil), relay.joined...)
	relay.mu.Unlock()
	if len(joined) != 2 {
		t.Fatalf("joined %d rooms, want 2: %v", len(joined), joined)
	}
}

func TestConversationsOrderedByActivity(t *testing.T) {
	api := &fakeAPI{convs: twoConversations()}
	in, _ := newTestInbox(t, api)

	convs := in.Conversations()
	if convs[0].ID != "conv1" || convs[1].ID != "conv2" {
		t.Fatalf("unexpected order: %s, %s", convs[0].ID, convs[1].ID)
	}
}

func TestOpenLoadsViewAndMarksRead(t *testing.T) {
	api := &fakeAPI{
		convs: twoConversations(),
		history: map[string][]proto.Message{
			"conv1": {
				{ID: "m1", ConversationID: "conv1", SenderID: "bob", Content: "hi"},
				{ID: "m2", ConversationID: "conv1", SenderID: "alice", Content: "hey"},
			},
		},
	}
	in, _ := newTestInbox(t, api)

	if err := in.Open("conv1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	view := in.View()
	if len(view) != 2 || view[0].ID != "m1" || view[1].ID != "m2" {
		t.Fatalf("unexpected view: %+v", view)
	}
	// The unread badge clears immediately, before the hub confirms.
	if got := in.Unread("conv1"); got != 0 {
		t.Fatalf("unread = %d right after open, want 0", got)
	}
	waitFor(t, "mark-read reaches the hub", func() bool { return api.markReadCount() == 1 })
}

func TestMarkReadRevertsOnFailure(t *testing.T) {
	api := &fakeAPI{convs: twoConversations(), failMarkRead: true}
	in, _ := newTestInbox(t, api)

	in.MarkRead("conv1")
	// Optimistic zero first, then the failed hub call restores the count.
	waitFor(t, "unread reverted", func() bool { return in.Unread("conv1") == 2 })
}

func TestNewMessageAppendsOnlyToOpenConversation(t *testing.T) {
	api := &fakeAPI{
		convs:   twoConversations(),
		history: map[string][]proto.Message{"conv1": {}},
	}
	in, relay := newTestInbox(t, api)

	if err := in.Open("conv1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// A message for a background conversation must not enter the view, only
	// bump its summary.
	relay.deliver(t, proto.EventNewMessage, "conv2", proto.NewMessage{
		Message: proto.Message{ID: "bg1", ConversationID: "conv2", SenderID: "carol", Content: "psst"},
		Conversation: proto.Conversation{
			ID: "conv2", Participants: [2]string{"alice", "carol"},
			LastMessage: "psst", LastMessageAt: 300,
			Unread: map[string]int{"alice": 1},
		},
	})
	waitFor(t, "background unread", func() bool { return in.Unread("conv2") == 1 })
	if got := len(in.View()); got != 0 {
		t.Fatalf("view has %d messages after background event, want 0", got)
	}

	relay.deliver(t, proto.EventNewMessage, "conv1", proto.NewMessage{
		Message: proto.Message{ID: "fg1", ConversationID: "conv1", SenderID: "bob", Content: "hello"},
		Conversation: proto.Conversation{
			ID: "conv1", Participants: [2]string{"alice", "bob"},
			LastMessage: "hello", LastMessageAt: 400,
			Unread: map[string]int{"alice": 1},
		},
	})
	waitFor(t, "foreground append", func() bool {
		v := in.View()
		return len(v) == 1 && v[0].ID == "fg1"
	})
}

func TestSendDoesNotAppendLocally(t *testing.T) {
	api := &fakeAPI{
		convs:   twoConversations(),
		history: map[string][]proto.Message{"conv1": {}},
		sendResult: proto.NewMessage{
			Message: proto.Message{ID: "out1", ConversationID: "conv1", SenderID: "alice", Content: "yo"},
			Conversation: proto.Conversation{
				ID: "conv1", Participants: [2]string{"alice", "bob"},
			},
		},
	}
	in, relay := newTestInbox(t, api)

	if err := in.Open("conv1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := in.Send("conv1", "bob", "yo"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Nothing appears until the hub echoes the persisted message back
	// through the room.
	if got := len(in.View()); got != 0 {
		t.Fatalf("view has %d messages after send, want 0 before the echo", got)
	}

	relay.deliver(t, proto.EventNewMessage, "conv1", proto.NewMessage{
		Message: proto.Message{ID: "out1", ConversationID: "conv1", SenderID: "alice", Content: "yo"},
		Conversation: proto.Conversation{
			ID: "conv1", Participants: [2]string{"alice", "bob"},
			LastMessage: "yo", LastMessageAt: 500,
			Unread: map[string]int{"bob": 1},
		},
	})
	waitFor(t, "echo appended", func() bool {
		v := in.View()
		return len(v) == 1 && v[0].ID == "out1"
	})
}

func TestSendJoinsRoomOnFirstContact(t *testing.T) {
	api := &fakeAPI{
		convs: twoConversations(),
		sendResult: proto.NewMessage{
			Message: proto.Message{ID: "m1", ConversationID: "conv3", SenderID: "alice", Content: "hi dave"},
			Conversation: proto.Conversation{
				ID: "conv3", Participants: [2]string{"alice", "dave"},
			},
		},
	}
	in, relay := newTestInbox(t, api)

	if err := in.Send("", "dave", "hi dave"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	relay.mu.Lock()
	joined := append([]string(nil), relay.joined...)
	relay.mu.Unlock()
	found := false
	for _, r := range joined {
		if r == "conv3" {
			found = true
		}
	}
	if !found {
		t.Fatalf("room for new conversation not joined: %v", joined)
	}
}
