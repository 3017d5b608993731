package hub

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/broly1009a/studymate-rtc/internal/proto"
)

// registerAPI wires the message persistence endpoints. These are the
// "collaborator" read/write surface the chat inbox consumes:
//
//	POST /api/messages                           send a message
//	GET  /api/conversations?user=U               list conversations
//	GET  /api/conversations/{id}/messages        fetch history
//	POST /api/conversations/{id}/read            mark read
//	POST /api/messages/{id}/reactions            react to a message
func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleSendMessage(w, r)
	})

	mux.HandleFunc("/api/messages/", func(w http.ResponseWriter, r *http.Request) {
		// Path: /api/messages/{id}/reactions
		tail := strings.TrimPrefix(r.URL.Path, "/api/messages/")
		parts := strings.SplitN(tail, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] != "reactions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleReaction(w, r, parts[0])
	})

	mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		user := r.URL.Query().Get("user")
		if user == "" {
			http.Error(w, "missing user", http.StatusBadRequest)
			return
		}
		convs, err := s.store.ConversationsFor(user)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, convs)
	})

	mux.HandleFunc("/api/conversations/", func(w http.ResponseWriter, r *http.Request) {
		// Paths: /api/conversations/{id}/messages, /api/conversations/{id}/read
		tail := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
		parts := strings.SplitN(tail, "/", 2)
		if len(parts) != 2 || parts[0] == "" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		convID, action := parts[0], parts[1]

		switch action {
		case "messages":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			limit := 0
			if v := r.URL.Query().Get("limit"); v != "" {
				limit = atoiOrZero(v)
			}
			msgs, err := s.store.History(convID, limit)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, msgs)

		case "read":
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			var body struct {
				UserID string `json:"userId"`
			}
			if !decodeJSON(w, r, &body) {
				return
			}
			if err := s.store.MarkRead(convID, body.UserID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})

		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	})
}

// handleSendMessage persists the message and broadcasts new-message to the
// conversation room. The sender receives its own message back through the
// room like any other member; clients do not locally append outgoing
// messages.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string `json:"conversationId"`
		SenderID       string `json:"senderId"`
		RecipientID    string `json:"recipientId"`
		Content        string `json:"content"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.SenderID == "" || body.Content == "" {
		http.Error(w, "missing senderId or content", http.StatusBadRequest)
		return
	}

	conv, err := s.resolveConversation(body.ConversationID, body.SenderID, body.RecipientID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, conv, err := s.store.AppendMessage(conv.ID, body.SenderID, body.Content)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	payload := proto.NewMessage{Message: msg, Conversation: conv}
	env, err := proto.NewEnvelope(proto.EventNewMessage, conv.ID, payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.broadcast(conv.ID, env, nil)
	if s.bridge != nil {
		s.bridge.publish(env)
	}

	writeJSON(w, payload)
}

func (s *Server) handleReaction(w http.ResponseWriter, r *http.Request, messageID string) {
	var body struct {
		UserID string `json:"userId"`
		Emoji  string `json:"emoji"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.UserID == "" || body.Emoji == "" {
		http.Error(w, "missing userId or emoji", http.StatusBadRequest)
		return
	}
	if err := s.store.AddReaction(messageID, body.UserID, body.Emoji); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// resolveConversation prefers an explicit conversation ID; first contact
// between two users creates the conversation.
func (s *Server) resolveConversation(convID, senderID, recipientID string) (proto.Conversation, error) {
	if convID != "" {
		return s.store.GetConversation(convID)
	}
	return s.store.EnsureConversation(senderID, recipientID)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func atoiOrZero(s string) int {
	n := 0
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0
		}
		n = n*10 + int(ch-'0')
	}
	return n
}
