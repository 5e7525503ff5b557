package staffline

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic backend response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// err returns the envelope error, or nil when the call succeeded.
func (r *Result) err() error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &APIError{Code: "UNKNOWN", Message: "request failed"}
}

// ============================================================================
// Identity Types
// ============================================================================

// Identity is the user bound to the current bearer token.
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
}

// Profile is the cached user profile record of the signed-in user.
type Profile struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"` // "worker", "client" or "admin"
	Email       string    `json:"email,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ============================================================================
// Messaging Types
// ============================================================================

// Participant is a denormalized conversation member, used for rendering only.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// MessageSummary is the last-message preview shown in the conversation list.
type MessageSummary struct {
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is one entry of the conversation list.
type Conversation struct {
	ID           string          `json:"id"`
	Participants []Participant   `json:"participants"`
	LastMessage  *MessageSummary `json:"lastMessage,omitempty"`
	UnreadCount  int             `json:"unreadCount"`
}

// Other returns the first participant that is not userID.
// For a conversation with only the user in it, the user is returned.
func (c *Conversation) Other(userID string) Participant {
	for _, p := range c.Participants {
		if p.UserID != userID {
			return p
		}
	}
	if len(c.Participants) > 0 {
		return c.Participants[0]
	}
	return Participant{}
}

// MessageState tags a message as locally pending or server confirmed.
type MessageState int

const (
	// Confirmed messages carry a server-assigned id and timestamp.
	Confirmed MessageState = iota
	// Pending messages were created locally and carry a temporary id.
	Pending
)

func (s MessageState) String() string {
	if s == Pending {
		return "pending"
	}
	return "confirmed"
}

// Message is a chat message of a conversation.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"createdAt"`
	Read           bool         `json:"read"`
	State          MessageState `json:"-"`
}

// IsPending reports whether the message still awaits server confirmation.
func (m *Message) IsPending() bool { return m.State == Pending }

// Receipt is the server confirmation of an inserted message.
type Receipt struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// ============================================================================
// Request payloads
// ============================================================================

type insertMessageRequest struct {
	Content string `json:"content"`
}

type markReadRequest struct {
	ReaderID string `json:"readerId"`
}
