package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/broly1009a/studymate-rtc/internal/proto"
)

// pairKey normalizes the participant order so (a,b) and (b,a) map to the
// same conversation row.
func pairKey(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// EnsureConversation returns the conversation between the two participants,
// creating it on first contact.
func (d *DB) EnsureConversation(a, b string) (proto.Conversation, error) {
	if a == b {
		return proto.Conversation{}, fmt.Errorf("conversation requires two distinct participants")
	}
	pa, pb := pairKey(a, b)

	d.mu.Lock()
	defer d.mu.Unlock()

	conv, err := d.getByPair(pa, pb)
	if err == nil {
		return conv, nil
	}
	if err != sql.ErrNoRows {
		return proto.Conversation{}, err
	}

	id := uuid.NewString()
	if _, err := d.db.Exec(`
		INSERT INTO conversations (id, participant_a, participant_b, unread)
		VALUES (?, ?, ?, '{}')`,
		id, pa, pb,
	); err != nil {
		return proto.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	return proto.Conversation{
		ID:           id,
		Participants: [2]string{pa, pb},
		Unread:       map[string]int{},
	}, nil
}

// GetConversation returns a conversation by ID.
func (d *DB) GetConversation(id string) (proto.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	row := d.db.QueryRow(`
		SELECT id, participant_a, participant_b, last_message, last_sender, last_message_at, unread
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ConversationsFor returns all conversations the user participates in,
// most recently active first.
func (d *DB) ConversationsFor(userID string) ([]proto.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, participant_a, participant_b, last_message, last_sender, last_message_at, unread
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY last_message_at DESC`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]proto.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// MarkRead resets the user's unread counter for the conversation to zero and
// flags messages from the other participant as seen.
func (d *DB) MarkRead(conversationID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var unreadJSON string
	if err := tx.QueryRow(`SELECT unread FROM conversations WHERE id = ?`, conversationID).
		Scan(&unreadJSON); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	unread := map[string]int{}
	_ = json.Unmarshal([]byte(unreadJSON), &unread)
	unread[userID] = 0
	b, _ := json.Marshal(unread)

	if _, err := tx.Exec(`UPDATE conversations SET unread = ? WHERE id = ?`,
		string(b), conversationID); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		UPDATE messages SET seen = 1
		WHERE conversation_id = ? AND sender_id != ? AND seen = 0`,
		conversationID, userID); err != nil {
		return err
	}

	return tx.Commit()
}

func (d *DB) getByPair(pa, pb string) (proto.Conversation, error) {
	row := d.db.QueryRow(`
		SELECT id, participant_a, participant_b, last_message, last_sender, last_message_at, unread
		FROM conversations WHERE participant_a = ? AND participant_b = ?`, pa, pb)
	return scanConversation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (proto.Conversation, error) {
	var c proto.Conversation
	var unreadJSON string
	if err := row.Scan(&c.ID, &c.Participants[0], &c.Participants[1],
		&c.LastMessage, &c.LastSenderID, &c.LastMessageAt, &unreadJSON); err != nil {
		return proto.Conversation{}, err
	}
	c.Unread = map[string]int{}
	_ = json.Unmarshal([]byte(unreadJSON), &c.Unread)
	return c, nil
}
