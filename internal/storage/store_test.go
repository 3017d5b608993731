package storage

import (
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnsureConversationDedupesPair(t *testing.T) {
	db := openTestDB(t)

	c1, err := db.EnsureConversation("alice", "bob")
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	// Reversed participant order must land on the same row.
	c2, err := db.EnsureConversation("bob", "alice")
	if err != nil {
		t.Fatalf("EnsureConversation reversed: %v", err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("got two conversations %s and %s for one pair", c1.ID, c2.ID)
	}

	if _, err := db.EnsureConversation("alice", "alice"); err == nil {
		t.Fatal("expected self-conversation to be rejected")
	}
}

func TestAppendMessageUpdatesUnreadAndPreview(t *testing.T) {
	db := openTestDB(t)

	conv, err := db.EnsureConversation("alice", "bob")
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}

	msg, updated, err := db.AppendMessage(conv.ID, "alice", "hello bob")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if !msg.Delivered || msg.Seen {
		t.Fatalf("fresh message delivered=%v seen=%v, want delivered and unseen", msg.Delivered, msg.Seen)
	}
	if updated.LastMessage != "hello bob" || updated.LastSenderID != "alice" {
		t.Fatalf("preview not updated: %+v", updated)
	}
	// Only the recipient's counter moves.
	if updated.Unread["bob"] != 1 || updated.Unread["alice"] != 0 {
		t.Fatalf("unread = %v, want bob:1 alice:0", updated.Unread)
	}

	if _, _, err := db.AppendMessage(conv.ID, "mallory", "hi"); err == nil {
		t.Fatal("expected append from non-participant to fail")
	}
}

func TestMarkReadResetsCounterAndFlagsSeen(t *testing.T) {
	db := openTestDB(t)

	conv, _ := db.EnsureConversation("alice", "bob")
	db.AppendMessage(conv.ID, "alice", "one")
	db.AppendMessage(conv.ID, "alice", "two")

	if err := db.MarkRead(conv.ID, "bob"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	got, err := db.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Unread["bob"] != 0 {
		t.Fatalf("unread after mark-read = %d, want 0", got.Unread["bob"])
	}

	msgs, err := db.History(conv.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	for _, m := range msgs {
		if !m.Seen {
			t.Fatalf("message %s still unseen after mark-read", m.ID)
		}
	}
}

func TestHistoryOrderAndConversationListing(t *testing.T) {
	db := openTestDB(t)

	c1, _ := db.EnsureConversation("alice", "bob")
	c2, _ := db.EnsureConversation("alice", "carol")
	db.AppendMessage(c1.ID, "alice", "first")
	db.AppendMessage(c1.ID, "bob", "second")
	db.AppendMessage(c2.ID, "carol", "newest")

	msgs, err := db.History(c1.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Fatalf("history out of order: %+v", msgs)
	}

	convs, err := db.ConversationsFor("alice")
	if err != nil {
		t.Fatalf("ConversationsFor: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("alice has %d conversations, want 2", len(convs))
	}
	if convs[0].ID != c2.ID {
		t.Fatalf("most recently active conversation is %s, want %s", convs[0].ID, c2.ID)
	}

	convs, err = db.ConversationsFor("dave")
	if err != nil {
		t.Fatalf("ConversationsFor: %v", err)
	}
	if len(convs) != 0 {
		t.Fatalf("dave has %d conversations, want 0", len(convs))
	}
}

func TestAddReaction(t *testing.T) {
	db := openTestDB(t)

	conv, _ := db.EnsureConversation("alice", "bob")
	msg, _, err := db.AppendMessage(conv.ID, "alice", "react to this")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := db.AddReaction(msg.ID, "bob", "👍"); err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	if err := db.AddReaction(msg.ID, "alice", "🎉"); err != nil {
		t.Fatalf("AddReaction: %v", err)
	}

	msgs, _ := db.History(conv.ID, 0)
	if len(msgs[0].Reactions) != 2 {
		t.Fatalf("reactions = %+v, want 2", msgs[0].Reactions)
	}
	if msgs[0].Reactions[0].UserID != "bob" || msgs[0].Reactions[0].Emoji != "👍" {
		t.Fatalf("unexpected first reaction: %+v", msgs[0].Reactions[0])
	}

	if err := db.AddReaction("missing", "bob", "👍"); err == nil {
		t.Fatal("expected reaction on unknown message to fail")
	}
}
