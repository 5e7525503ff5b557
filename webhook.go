package staffline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookSignatureHeader carries the HMAC-SHA256 signature of a delivery.
const WebhookSignatureHeader = "X-Staffline-Signature"

// WebhookPayload is a message delivery POSTed by the backend.
type WebhookPayload struct {
	Source    string         `json:"source"`
	Event     string         `json:"event"`
	Timestamp int64          `json:"timestamp"`
	Recipient string         `json:"recipientId"`
	Message   WebhookMessage `json:"message"`
}

// WebhookMessage is the inserted message in a webhook payload.
type WebhookMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"read"`
}

// ToMessage converts the payload message into a confirmed Message.
func (m WebhookMessage) ToMessage() Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		Read:           m.Read,
		State:          Confirmed,
	}
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookPayload parses a raw webhook body into a typed WebhookPayload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, errors.Wrap(err, "invalid JSON in webhook body")
	}

	if payload.Source != "staffline" {
		return nil, errors.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, errors.New("missing event field in webhook payload")
	}
	if payload.Event != realtimeMessageInsert {
		return nil, errors.Errorf("unsupported webhook event: %s", payload.Event)
	}
	if payload.Message.ID == "" || payload.Message.SenderID == "" || payload.Message.ConversationID == "" {
		return nil, errors.New("missing required fields in webhook payload (id, senderId, conversationId)")
	}
	return &payload, nil
}

// ============================================================================
// WebhookSource
// ============================================================================

// WebhookSource is an EventSource fed by signed HTTP deliveries. Mount
// HTTPHandler on a reachable endpoint; each Subscribe registers a channel
// that receives deliveries addressed to its user (or unaddressed ones).
type WebhookSource struct {
	secret string
	logger zerolog.Logger

	deliverMu sync.Mutex // serializes deliveries
	mu        sync.Mutex
	subs      map[string]*webhookChannel
}

var _ EventSource = (*WebhookSource)(nil)

// NewWebhookSource creates a webhook event source.
func NewWebhookSource(secret string, logger zerolog.Logger) (*WebhookSource, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	return &WebhookSource{
		secret: secret,
		logger: logger.With().Str("transport", "webhook").Logger(),
		subs:   make(map[string]*webhookChannel),
	}, nil
}

// Subscribe registers a channel for userID. Registration is the
// acknowledgment. onError is never called; a webhook has no connection
// to lose.
func (w *WebhookSource) Subscribe(ctx context.Context, userID string, onEvent func(Message), onError func(error)) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := &webhookChannel{id: uuid.NewString(), userID: userID, onEvent: onEvent, source: w}
	w.mu.Lock()
	w.subs[ch.id] = ch
	w.mu.Unlock()
	return ch, nil
}

// Subscribers returns the number of live channels.
func (w *WebhookSource) Subscribers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// Handle processes a delivery (verify + parse + dispatch).
// Returns the status code and response body for the caller to write.
func (w *WebhookSource) Handle(body, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	delivered := w.dispatch(payload)
	w.logger.Debug().
		Str("message_id", payload.Message.ID).
		Int("delivered", delivered).
		Msg("webhook delivery")
	return http.StatusOK, map[string]any{"ok": true, "delivered": delivered}
}

// dispatch serializes deliveries so each channel sees events in arrival order.
func (w *WebhookSource) dispatch(payload *WebhookPayload) int {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	w.mu.Lock()
	var targets []*webhookChannel
	for _, ch := range w.subs {
		if payload.Recipient != "" && ch.userID != payload.Recipient {
			continue
		}
		targets = append(targets, ch)
	}
	w.mu.Unlock()

	msg := payload.Message.ToMessage()
	for _, ch := range targets {
		ch.onEvent(msg)
	}
	return len(targets)
}

// HTTPHandler returns an http.Handler that processes webhook deliveries.
//
// Example:
//
//	src, _ := staffline.NewWebhookSource("secret", logger)
//	http.Handle("/webhook", src.HTTPHandler())
func (w *WebhookSource) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(WebhookSignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}

type webhookChannel struct {
	id      string
	userID  string
	onEvent func(Message)
	source  *WebhookSource
}

// Close deregisters the channel. Safe to call more than once.
func (c *webhookChannel) Close() error {
	c.source.mu.Lock()
	delete(c.source.subs, c.id)
	c.source.mu.Unlock()
	return nil
}
