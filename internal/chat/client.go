package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/broly1009a/studymate-rtc/internal/proto"
	"github.com/broly1009a/studymate-rtc/internal/util"
)

// HistoryAPI is the persistence surface the inbox consumes: conversation
// listing, message history, sending, read receipts and reactions. The hub
// serves it over HTTP; tests use an in-memory fake.
type HistoryAPI interface {
	Conversations(userID string) ([]proto.Conversation, error)
	Messages(conversationID string, limit int) ([]proto.Message, error)
	Send(conversationID, senderID, recipientID, content string) (proto.NewMessage, error)
	MarkRead(conversationID, userID string) error
	React(messageID, userID, emoji string) error
}

// Client talks to the hub's REST endpoints.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a hub API client for the given base URL, e.g.
// "http://127.0.0.1:8686".
func NewClient(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

func (c *Client) Conversations(userID string) ([]proto.Conversation, error) {
	var convs []proto.Conversation
	err := c.get("/api/conversations?user="+url.QueryEscape(userID), &convs)
	return convs, err
}

func (c *Client) Messages(conversationID string, limit int) ([]proto.Message, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var msgs []proto.Message
	err := c.get(path, &msgs)
	return msgs, err
}

func (c *Client) Send(conversationID, senderID, recipientID, content string) (proto.NewMessage, error) {
	body := map[string]string{
		"conversationId": conversationID,
		"senderId":       senderID,
		"recipientId":    recipientID,
		"content":        content,
	}
	var out proto.NewMessage
	err := c.post("/api/messages", body, &out)
	return out, err
}

func (c *Client) MarkRead(conversationID, userID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.post(path, map[string]string{"userId": userID}, nil)
}

func (c *Client) React(messageID, userID, emoji string) error {
	path := "/api/messages/" + url.PathEscape(messageID) + "/reactions"
	return c.post(path, map[string]string{"userId": userID, "emoji": emoji}, nil)
}

func (c *Client) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) post(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hub api: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
