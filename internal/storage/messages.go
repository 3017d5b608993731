package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/broly1009a/studymate-rtc/internal/proto"
)

// AppendMessage persists a message, updates the conversation's last-message
// preview and increments the unread counter of every participant except the
// sender. Returns the stored message and the updated conversation.
func (d *DB) AppendMessage(conversationID, senderID, content string) (proto.Message, proto.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return proto.Message{}, proto.Conversation{}, err
	}
	defer tx.Rollback()

	var c proto.Conversation
	var unreadJSON string
	if err := tx.QueryRow(`
		SELECT id, participant_a, participant_b, unread
		FROM conversations WHERE id = ?`, conversationID).
		Scan(&c.ID, &c.Participants[0], &c.Participants[1], &unreadJSON); err != nil {
		return proto.Message{}, proto.Conversation{}, fmt.Errorf("append message: %w", err)
	}
	if senderID != c.Participants[0] && senderID != c.Participants[1] {
		return proto.Message{}, proto.Conversation{}, fmt.Errorf("sender %s not in conversation %s", senderID, conversationID)
	}

	msg := proto.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Delivered:      true,
		CreatedAt:      time.Now().UnixMilli(),
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, content, delivered, seen, reactions, created_at)
		VALUES (?, ?, ?, ?, 1, 0, '[]', ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt,
	); err != nil {
		return proto.Message{}, proto.Conversation{}, err
	}

	unread := map[string]int{}
	_ = json.Unmarshal([]byte(unreadJSON), &unread)
	for _, p := range c.Participants {
		if p != senderID {
			unread[p]++
		}
	}
	b, _ := json.Marshal(unread)

	if _, err := tx.Exec(`
		UPDATE conversations
		SET last_message = ?, last_sender = ?, last_message_at = ?, unread = ?
		WHERE id = ?`,
		msg.Content, msg.SenderID, msg.CreatedAt, string(b), conversationID,
	); err != nil {
		return proto.Message{}, proto.Conversation{}, err
	}

	if err := tx.Commit(); err != nil {
		return proto.Message{}, proto.Conversation{}, err
	}

	c.LastMessage = msg.Content
	c.LastSenderID = msg.SenderID
	c.LastMessageAt = msg.CreatedAt
	c.Unread = unread
	return msg, c, nil
}

// History returns up to limit messages of a conversation, oldest first.
func (d *DB) History(conversationID string, limit int) ([]proto.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, conversation_id, sender_id, content, delivered, seen, reactions, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]proto.Message, 0)
	for rows.Next() {
		var m proto.Message
		var delivered, seen int
		var reactionsJSON string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content,
			&delivered, &seen, &reactionsJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Delivered = delivered != 0
		m.Seen = seen != 0
		_ = json.Unmarshal([]byte(reactionsJSON), &m.Reactions)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddReaction appends an emoji reaction to a message.
func (d *DB) AddReaction(messageID, userID, emoji string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var reactionsJSON string
	if err := tx.QueryRow(`SELECT reactions FROM messages WHERE id = ?`, messageID).
		Scan(&reactionsJSON); err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}

	var reactions []proto.Reaction
	_ = json.Unmarshal([]byte(reactionsJSON), &reactions)
	reactions = append(reactions, proto.Reaction{UserID: userID, Emoji: emoji})
	b, _ := json.Marshal(reactions)

	if _, err := tx.Exec(`UPDATE messages SET reactions = ? WHERE id = ?`,
		string(b), messageID); err != nil {
		return err
	}

	return tx.Commit()
}
