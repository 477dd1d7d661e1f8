package talentbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx response from the platform API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// apiErrorFrom builds an APIError from an error response body. The platform
// returns either {"code","message"} or {"error": "..."}.
func apiErrorFrom(resp *Response) *APIError {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if json.Unmarshal(resp.Body, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// ============================================================================
// Auth Types
// ============================================================================

// User is the account the session token identifies.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

// LoginResult is returned by Login.
type LoginResult struct {
	Token string `json:"token"`
	User  *User  `json:"user,omitempty"`
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"accessToken"`
	User        *User  `json:"user,omitempty"`
}

func (t *tokenResponse) value() string {
	if t.Token != "" {
		return t.Token
	}
	return t.AccessToken
}

// ============================================================================
// Conversation & Message Types
// ============================================================================

// Conversation is one chat thread between a student and an employer (or an
// administrator). Entries without an identifier are dropped while decoding.
type Conversation struct {
	ID            string `json:"id"`
	Title         string `json:"title,omitempty"`
	UnreadCount   int    `json:"unreadCount"`
	LastMessageAt string `json:"lastMessageAt,omitempty"`
}

type wireConversation struct {
	ID            wireID `json:"id"`
	MongoID       wireID `json:"_id"`
	Title         string `json:"title"`
	UnreadCount   int    `json:"unreadCount"`
	LastMessageAt string `json:"lastMessageAt"`
}

func decodeConversations(data []byte) ([]Conversation, error) {
	var raw []wireConversation
	if err := decodeList(data, &raw, "conversations", "data"); err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(raw))
	for _, w := range raw {
		id := string(w.ID)
		if id == "" {
			id = string(w.MongoID)
		}
		if id == "" {
			continue
		}
		out = append(out, Conversation{
			ID:            id,
			Title:         w.Title,
			UnreadCount:   w.UnreadCount,
			LastMessageAt: w.LastMessageAt,
		})
	}
	return out, nil
}

// decodeList accepts either a bare JSON array or an object wrapping the array
// under one of keys.
func decodeList(data []byte, out any, keys ...string) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return nil
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	for _, k := range keys {
		if inner, ok := wrapper[k]; ok {
			if err := json.Unmarshal(inner, out); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", k, err)
			}
			return nil
		}
	}
	return fmt.Errorf("response has none of %v", keys)
}

// Message is the normalized form of an inbound chat message.
type Message struct {
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName,omitempty"`
	Text           string `json:"text"`
	CreatedAt      string `json:"createdAt,omitempty"`
}

// DedupKey is the identifier used to recognise a redelivered message: the
// message id, or conversation id plus creation time when the id is missing.
func (m Message) DedupKey() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ConversationID + "@" + m.CreatedAt
}

type wireMessage struct {
	ID             wireID `json:"id"`
	MongoID        wireID `json:"_id"`
	ConversationID wireID `json:"conversationId"`
	Sender         *struct {
		UserID   wireID `json:"userId"`
		FullName string `json:"fullName"`
	} `json:"sender"`
	SenderID  wireID `json:"senderId"`
	Message   string `json:"message"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// wireID is an identifier the server may send as a JSON string or number.
type wireID string

func (id *wireID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = wireID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("identifier must be a string or number: %w", err)
	}
	*id = wireID(n.String())
	return nil
}

var errNoConversation = errors.New("message has no conversationId")

// DecodeMessage normalizes a serialized realtime message. It fails when the
// payload is not JSON or carries no conversation id.
func DecodeMessage(raw []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if w.ConversationID == "" {
		return Message{}, errNoConversation
	}
	m := Message{
		ID:             string(w.ID),
		ConversationID: string(w.ConversationID),
		SenderID:       string(w.SenderID),
		Text:           w.Message,
		CreatedAt:      w.CreatedAt,
	}
	if m.ID == "" {
		m.ID = string(w.MongoID)
	}
	if w.Sender != nil {
		if w.Sender.UserID != "" {
			m.SenderID = string(w.Sender.UserID)
		}
		m.SenderName = w.Sender.FullName
	}
	if m.Text == "" {
		m.Text = w.Text
	}
	return m, nil
}
