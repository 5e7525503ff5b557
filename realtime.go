package staffline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Realtime event types.
const (
	realtimeSubscribed    = "subscribed"
	realtimeMessageInsert = "message.insert"
	realtimePing          = "ping"
	realtimePong          = "pong"
	realtimeError         = "error"
)

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// SubscribedPayload acknowledges a channel.
type SubscribedPayload struct {
	UserID string `json:"userId"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side channel error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// decodeInsert turns a message.insert payload into a confirmed Message.
func decodeInsert(payload json.RawMessage) (Message, bool) {
	var m Message
	if json.Unmarshal(payload, &m) != nil || m.ID == "" || m.ConversationID == "" {
		return Message{}, false
	}
	m.State = Confirmed
	return m, true
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures real-time event sources.
type RealtimeConfig struct {
	Token             string
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	StaleAfter        time.Duration // SSE watchdog
	HTTPClient        *http.Client
	Logger            *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeFactory builds event sources bound to a Client's base URL.
type RealtimeFactory struct{ client *Client }

// WSUrl returns the WebSocket URL for userID.
func (r *RealtimeFactory) WSUrl(token, userID string) string {
	base := strings.Replace(r.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/realtime/ws" + realtimeQuery(token, userID)
}

// SSEUrl returns the SSE URL for userID.
func (r *RealtimeFactory) SSEUrl(token, userID string) string {
	return r.client.baseURL + "/realtime/sse" + realtimeQuery(token, userID)
}

func realtimeQuery(token, userID string) string {
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	if userID != "" {
		q.Set("userId", userID)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// WebSocket creates a WebSocket event source.
func (r *RealtimeFactory) WebSocket(config *RealtimeConfig) *WSSource {
	cfg := *config
	cfg.defaults()
	logger := r.client.logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &WSSource{factory: r, config: &cfg, logger: logger.With().Str("transport", "ws").Logger()}
}

// SSE creates a server-sent events source.
func (r *RealtimeFactory) SSE(config *RealtimeConfig) *SSESource {
	cfg := *config
	cfg.defaults()
	logger := r.client.logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &SSESource{factory: r, config: &cfg, logger: logger.With().Str("transport", "sse").Logger()}
}

// ============================================================================
// WSSource
// ============================================================================

// WSSource is a WebSocket EventSource with heartbeat. The first frame of a
// channel must be "subscribed".
type WSSource struct {
	factory *RealtimeFactory
	config  *RealtimeConfig
	logger  zerolog.Logger
}

var _ EventSource = (*WSSource)(nil)

// Subscribe dials the channel for userID and waits for its acknowledgment.
func (s *WSSource) Subscribe(ctx context.Context, userID string, onEvent func(Message), onError func(error)) (Channel, error) {
	wsURL := s.factory.WSUrl(s.config.Token, userID)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: s.config.HTTPClient})
	if err != nil {
		return nil, errors.Wrap(err, "websocket dial")
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, errors.Wrap(err, "read subscribe ack")
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != realtimeSubscribed {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, errors.Errorf("expected '%s', got '%s'", realtimeSubscribed, env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ch := &wsChannel{
		conn:         conn,
		cancel:       cancel,
		onEvent:      onEvent,
		onError:      onError,
		config:       s.config,
		logger:       s.logger.With().Str("user_id", userID).Logger(),
		pendingPings: make(map[string]chan PongPayload),
	}
	go ch.readLoop(connCtx)
	go ch.heartbeatLoop(connCtx)
	return ch, nil
}

type wsChannel struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	onEvent func(Message)
	onError func(error)
	config  *RealtimeConfig
	logger  zerolog.Logger

	mu       sync.Mutex
	closed   bool
	failOnce sync.Once

	pendingMu    sync.Mutex
	pingCounter  int
	pendingPings map[string]chan PongPayload
}

// Close releases the channel.
func (ch *wsChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.mu.Unlock()

	err := ch.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	ch.cancel()
	ch.clearPendingPings()
	return err
}

func (ch *wsChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *wsChannel) fail(err error) {
	if ch.isClosed() {
		return
	}
	ch.failOnce.Do(func() { ch.onError(err) })
}

func (ch *wsChannel) send(ctx context.Context, cmd *RealtimeCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return ch.conn.Write(ctx, websocket.MessageText, data)
}

// ping sends a ping and waits for pong.
func (ch *wsChannel) ping(ctx context.Context) error {
	ch.pendingMu.Lock()
	ch.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ch.pingCounter)
	wait := make(chan PongPayload, 1)
	ch.pendingPings[requestID] = wait
	ch.pendingMu.Unlock()

	forget := func() {
		ch.pendingMu.Lock()
		delete(ch.pendingPings, requestID)
		ch.pendingMu.Unlock()
	}

	err := ch.send(ctx, &RealtimeCommand{
		Type:    realtimePing,
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		forget()
		return err
	}

	select {
	case _, ok := <-wait:
		if !ok {
			return errors.New("channel closed")
		}
		return nil
	case <-time.After(ch.config.PingTimeout):
		forget()
		return errors.New("ping timeout")
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

// readLoop delivers events on this goroutine so arrival order is kept.
func (ch *wsChannel) readLoop(ctx context.Context) {
	for {
		_, data, err := ch.conn.Read(ctx)
		if err != nil {
			ch.fail(errors.Wrap(err, "websocket read"))
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case realtimeMessageInsert:
			if m, ok := decodeInsert(env.Payload); ok {
				ch.onEvent(m)
			}
		case realtimePong:
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ch.pendingMu.Lock()
				wait, ok := ch.pendingPings[p.RequestID]
				if ok {
					delete(ch.pendingPings, p.RequestID)
				}
				ch.pendingMu.Unlock()
				if ok {
					wait <- p
				}
			}
		case realtimeError:
			var p RealtimeErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			ch.logger.Warn().Str("message", p.Message).Msg("server channel error")
			ch.fail(errors.Errorf("server: %s", p.Message))
			ch.conn.Close(websocket.StatusNormalClosure, "server error")
			return
		}
	}
}

func (ch *wsChannel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ch.ping(ctx); err != nil {
				if ch.isClosed() {
					return
				}
				// force close; readLoop reports the error
				ch.logger.Warn().Err(err).Msg("heartbeat failed")
				ch.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ch *wsChannel) clearPendingPings() {
	ch.pendingMu.Lock()
	for k, wait := range ch.pendingPings {
		close(wait)
		delete(ch.pendingPings, k)
	}
	ch.pendingMu.Unlock()
}

// ============================================================================
// SSESource
// ============================================================================

// SSESource is a server-sent events EventSource (server-push only). An
// HTTP 200 response acknowledges the channel.
type SSESource struct {
	factory *RealtimeFactory
	config  *RealtimeConfig
	logger  zerolog.Logger
}

var _ EventSource = (*SSESource)(nil)

// Subscribe opens the event stream for userID.
func (s *SSESource) Subscribe(ctx context.Context, userID string, onEvent func(Message), onError func(error)) (Channel, error) {
	// the stream outlives the handshake context
	connCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(connCtx, "GET", s.factory.SSEUrl(s.config.Token, userID), nil)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "text/event-stream")
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.config.HTTPClient.Do(req)
	if !stop() {
		// handshake context ended first
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, errors.Wrap(ctx.Err(), "SSE connect")
	}
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "SSE connect")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, errors.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	ch := &sseChannel{
		cancel:       cancel,
		onEvent:      onEvent,
		onError:      onError,
		staleAfter:   s.config.StaleAfter,
		logger:       s.logger.With().Str("user_id", userID).Logger(),
		lastDataTime: time.Now(),
	}
	go ch.readLoop(connCtx, resp)
	go ch.watchdog(connCtx)
	return ch, nil
}

type sseChannel struct {
	cancel     context.CancelFunc
	onEvent    func(Message)
	onError    func(error)
	staleAfter time.Duration
	logger     zerolog.Logger

	mu           sync.Mutex
	closed       bool
	lastDataTime time.Time
	failOnce     sync.Once
}

func (ch *sseChannel) Close() error {
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	ch.cancel()
	return nil
}

func (ch *sseChannel) fail(err error) {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return
	}
	ch.failOnce.Do(func() { ch.onError(err) })
}

func (ch *sseChannel) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()

		ch.mu.Lock()
		ch.lastDataTime = time.Now()
		ch.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var env RealtimeEnvelope
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) != nil {
			continue
		}
		switch env.Type {
		case realtimeMessageInsert:
			if m, ok := decodeInsert(env.Payload); ok {
				ch.onEvent(m)
			}
		case realtimeError:
			var p RealtimeErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			ch.fail(errors.Errorf("server: %s", p.Message))
			ch.cancel()
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		err = errors.New("stream ended")
	}
	if ctx.Err() != nil {
		err = errors.Wrap(ctx.Err(), "stream stale or cancelled")
	}
	ch.fail(err)
}

func (ch *sseChannel) watchdog(ctx context.Context) {
	interval := ch.staleAfter / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ch.mu.Lock()
			stale := time.Since(ch.lastDataTime) > ch.staleAfter
			ch.mu.Unlock()
			if stale {
				ch.logger.Warn().Dur("stale_after", ch.staleAfter).Msg("event stream went quiet")
				ch.cancel()
				return
			}
		}
	}
}
