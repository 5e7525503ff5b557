package staffline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

const (
	subscribedFrame = `{"type":"subscribed","payload":{"userId":"alice"}}`
	insertFrame     = `{"type":"message.insert","payload":{"id":"m9","conversationId":"c1","senderId":"bob","content":"See you","createdAt":"2026-03-01T09:05:00Z","read":false}}`
)

func collect() (func(Message), <-chan Message, func(error), <-chan error) {
	msgs := make(chan Message, 8)
	errs := make(chan error, 8)
	return func(m Message) { msgs <- m }, msgs, func(err error) { errs <- err }, errs
}

func waitMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func waitError(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
	return nil
}

func assertNoError(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("unexpected channel error: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRealtimeURLs(t *testing.T) {
	c := NewClient("tok", WithBaseURL("https://api.staffline.io"))
	assert.Equal(t, "wss://api.staffline.io/realtime/ws?token=tok&userId=alice", c.Realtime().WSUrl("tok", "alice"))
	assert.Equal(t, "https://api.staffline.io/realtime/sse?userId=alice", c.Realtime().SSEUrl("", "alice"))

	c = NewClient("tok", WithBaseURL("http://localhost:8080"))
	assert.Equal(t, "ws://localhost:8080/realtime/ws", c.Realtime().WSUrl("", ""))
}

func TestDecodeInsert(t *testing.T) {
	m, ok := decodeInsert([]byte(`{"id":"m1","conversationId":"c1","senderId":"bob","content":"hi"}`))
	require.True(t, ok)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, Confirmed, m.State)

	_, ok = decodeInsert([]byte(`{"id":"m1"}`))
	assert.False(t, ok)
	_, ok = decodeInsert([]byte(`not json`))
	assert.False(t, ok)
}

// ============================================================================
// SSE
// ============================================================================

func sseServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return NewClient("tok", WithBaseURL(srv.URL))
}

func TestSSESourceDeliversInserts(t *testing.T) {
	c := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/sse" || r.URL.Query().Get("userId") != "alice" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "data: %s\n\n", subscribedFrame)
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprintf(w, "data: %s\n\n", `{"type":"message.insert","payload":{"id":""}}`)
		fmt.Fprintf(w, "data: %s\n\n", insertFrame)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	onEvent, msgs, onError, errs := collect()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Realtime().SSE(&RealtimeConfig{Token: "tok"}).Subscribe(ctx, "alice", onEvent, onError)
	require.NoError(t, err)

	m := waitMessage(t, msgs)
	assert.Equal(t, "m9", m.ID)
	assert.Equal(t, "c1", m.ConversationID)
	assert.Equal(t, Confirmed, m.State)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assertNoError(t, errs)
}

func TestSSESourceReportsStreamEnd(t *testing.T) {
	c := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "data: %s\n\n", subscribedFrame)
	})

	onEvent, _, onError, errs := collect()
	ch, err := c.Realtime().SSE(&RealtimeConfig{}).Subscribe(context.Background(), "alice", onEvent, onError)
	require.NoError(t, err)
	defer ch.Close()

	err = waitError(t, errs)
	assert.Contains(t, err.Error(), "stream ended")
	assertNoError(t, errs)
}

func TestSSESourceServerError(t *testing.T) {
	c := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "data: %s\n\n", `{"type":"error","payload":{"message":"token revoked"}}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	onEvent, _, onError, errs := collect()
	ch, err := c.Realtime().SSE(&RealtimeConfig{}).Subscribe(context.Background(), "alice", onEvent, onError)
	require.NoError(t, err)
	defer ch.Close()

	err = waitError(t, errs)
	assert.Contains(t, err.Error(), "token revoked")
}

func TestSSESourceRejected(t *testing.T) {
	c := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	onEvent, _, onError, _ := collect()
	_, err := c.Realtime().SSE(&RealtimeConfig{}).Subscribe(context.Background(), "alice", onEvent, onError)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestSSESourceWatchdog(t *testing.T) {
	c := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	onEvent, _, onError, errs := collect()
	src := c.Realtime().SSE(&RealtimeConfig{StaleAfter: 60 * time.Millisecond})
	ch, err := src.Subscribe(context.Background(), "alice", onEvent, onError)
	require.NoError(t, err)
	defer ch.Close()

	err = waitError(t, errs)
	assert.Contains(t, err.Error(), "stale")
	assert.ErrorIs(t, err, context.Canceled, "the watchdog cause stays reachable")
}

// ============================================================================
// WebSocket
// ============================================================================

func wsServer(t *testing.T, answerPings bool, frames ...string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/ws" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for _, frame := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd struct {
				Type    string      `json:"type"`
				Payload PongPayload `json:"payload"`
			}
			if json.Unmarshal(data, &cmd) != nil || cmd.Type != "ping" || !answerPings {
				continue
			}
			pong, _ := json.Marshal(map[string]any{"type": "pong", "payload": cmd.Payload})
			conn.Write(ctx, websocket.MessageText, pong)
		}
	}))
	t.Cleanup(srv.Close)
	return NewClient("tok", WithBaseURL(srv.URL))
}

func TestWSSourceDeliversInserts(t *testing.T) {
	c := wsServer(t, true, subscribedFrame, `{"type":"pong","payload":{"requestId":"unknown"}}`, insertFrame)

	onEvent, msgs, onError, errs := collect()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src := c.Realtime().WebSocket(&RealtimeConfig{Token: "tok", HeartbeatInterval: time.Hour})
	ch, err := src.Subscribe(ctx, "alice", onEvent, onError)
	require.NoError(t, err)

	m := waitMessage(t, msgs)
	assert.Equal(t, "m9", m.ID)
	assert.Equal(t, "bob", m.SenderID)
	assert.True(t, m.CreatedAt.Equal(t0.Add(5*time.Minute)))

	ch.Close()
	ch.Close()
	assertNoError(t, errs)
}

func TestWSSourceRequiresAck(t *testing.T) {
	c := wsServer(t, true, insertFrame)

	onEvent, _, onError, _ := collect()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Realtime().WebSocket(&RealtimeConfig{}).Subscribe(ctx, "alice", onEvent, onError)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 'subscribed'")
}

func TestWSSourceServerError(t *testing.T) {
	c := wsServer(t, true, subscribedFrame, `{"type":"error","payload":{"message":"kicked"}}`)

	onEvent, _, onError, errs := collect()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Realtime().WebSocket(&RealtimeConfig{HeartbeatInterval: time.Hour}).Subscribe(ctx, "alice", onEvent, onError)
	require.NoError(t, err)
	defer ch.Close()

	err = waitError(t, errs)
	assert.Contains(t, err.Error(), "kicked")
	assertNoError(t, errs)
}

func TestWSSourceHeartbeat(t *testing.T) {
	t.Run("answered", func(t *testing.T) {
		c := wsServer(t, true, subscribedFrame)

		onEvent, _, onError, errs := collect()
		src := c.Realtime().WebSocket(&RealtimeConfig{HeartbeatInterval: 10 * time.Millisecond, PingTimeout: time.Second})
		ch, err := src.Subscribe(context.Background(), "alice", onEvent, onError)
		require.NoError(t, err)
		defer ch.Close()

		time.Sleep(60 * time.Millisecond)
		assertNoError(t, errs)
	})

	t.Run("unanswered", func(t *testing.T) {
		c := wsServer(t, false, subscribedFrame)

		onEvent, _, onError, errs := collect()
		src := c.Realtime().WebSocket(&RealtimeConfig{HeartbeatInterval: 10 * time.Millisecond, PingTimeout: 30 * time.Millisecond})
		ch, err := src.Subscribe(context.Background(), "alice", onEvent, onError)
		require.NoError(t, err)
		defer ch.Close()

		err = waitError(t, errs)
		assert.Contains(t, err.Error(), "websocket read")
	})
}
