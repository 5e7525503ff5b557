// Package staffline provides the Go SDK for the Staffline messaging backend.
//
// It keeps a signed-in session, a cached conversation list, the message
// stream of the open conversation (with optimistic sends), and a single
// realtime push subscription in sync with the backend.
//
// Example:
//
//	client := staffline.NewClient(token, staffline.WithBaseURL("https://api.staffline.io"))
//	source := client.Realtime().WebSocket(&staffline.RealtimeConfig{Token: token})
//	inbox := staffline.NewInbox(client, source)
//	defer inbox.Close()
//
//	me, _ := client.Me(ctx)
//	inbox.Session.SignIn(ctx, me.UserID)
//	inbox.Stream.Select(ctx, inbox.Conversations.Conversations()[0].ID)
//	inbox.Stream.Send(ctx, "Shift confirmed for Monday")
package staffline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

var environments = map[Environment]string{
	Production: "https://api.staffline.io",
	Staging:    "https://staging-api.staffline.io",
}

const (
	DefaultBaseURL = "https://api.staffline.io"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Backend
// ============================================================================

// Backend is the set of hosted collaborator calls the messaging core consumes.
type Backend interface {
	// ListConversations returns the conversations userID participates in,
	// annotated with last message and unread count.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	// ListMessages returns the history of a conversation ordered by creation time.
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	// InsertMessage persists a message; the sender is assigned server-side.
	InsertMessage(ctx context.Context, conversationID, content string) (*Receipt, error)
	// MarkRead flips read=true on messages of the conversation not sent by readerID.
	MarkRead(ctx context.Context, conversationID, readerID string) error
	// GetProfile returns the profile record of userID.
	GetProfile(ctx context.Context, userID string) (*Profile, error)
}

// ============================================================================
// Client
// ============================================================================

// Client is the REST implementation of Backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	realtime   *RealtimeFactory
}

var _ Backend = (*Client)(nil)

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithClientLogger sets the logger used for request tracing.
func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.realtime = &RealtimeFactory{client: c}
	return c
}

// SetToken replaces the bearer token, e.g. after the host app refreshes it.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Realtime returns the push event source factory.
func (c *Client) Realtime() *RealtimeFactory {
	return c.realtime
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("backend request")

	result, err := decodeJSON[Result](data)
	if err != nil {
		if resp.StatusCode >= 300 {
			return nil, errors.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return nil, err
	}
	if err := result.err(); err != nil {
		return result, err
	}
	if resp.StatusCode >= 300 {
		return result, errors.Errorf("HTTP %d", resp.StatusCode)
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &result, nil
}

// do issues a request and decodes the envelope data into out (may be nil).
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	result, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := result.Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response data")
	}
	return nil
}

// ============================================================================
// Account Methods
// ============================================================================

// Health checks backend health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "GET", "/api/health", nil, nil, nil)
}

// Me resolves the identity bound to the current token.
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	var id Identity
	if err := c.do(ctx, "GET", "/api/me", nil, nil, &id); err != nil {
		return nil, err
	}
	if id.UserID == "" {
		return nil, ErrNotSignedIn
	}
	return &id, nil
}

func (c *Client) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, "GET", "/api/profiles/"+url.PathEscape(userID), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ============================================================================
// Messaging Methods
// ============================================================================

func (c *Client) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	var convs []Conversation
	err := c.do(ctx, "GET", "/api/conversations", nil, map[string]string{"userId": userID}, &convs)
	if err != nil {
		return nil, err
	}
	return convs, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	err := c.do(ctx, "GET", "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil, &msgs)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conversationID
		}
	}
	return msgs, nil
}

func (c *Client) InsertMessage(ctx context.Context, conversationID, content string) (*Receipt, error) {
	var r Receipt
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "POST", path, &insertMessageRequest{Content: content}, nil, &r); err != nil {
		return nil, err
	}
	if r.ID == "" {
		return nil, errors.New("insert response missing message id")
	}
	return &r, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID, readerID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, "POST", path, &markReadRequest{ReaderID: readerID}, nil, nil)
}
