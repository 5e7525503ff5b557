package staffline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// ============================================================================
// Fixtures
// ============================================================================

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var (
	alice = Participant{UserID: "alice", DisplayName: "Alice Ng", Role: "worker"}
	bob   = Participant{UserID: "bob", DisplayName: "Bob Marsh", Role: "client"}
	carol = Participant{UserID: "carol", DisplayName: "Carol Diaz", Role: "client"}
)

func fixtureConversations() []Conversation {
	return []Conversation{
		{
			ID:           "c1",
			Participants: []Participant{alice, bob},
			LastMessage:  &MessageSummary{SenderID: "bob", Content: "Can you cover Saturday?", CreatedAt: t0},
			UnreadCount:  1,
		},
		{
			ID:           "c2",
			Participants: []Participant{alice, carol},
			LastMessage:  &MessageSummary{SenderID: "carol", Content: "Thanks!", CreatedAt: t0.Add(time.Minute)},
		},
	}
}

func fixtureBackend() *fakeBackend {
	return &fakeBackend{
		convs: fixtureConversations(),
		history: map[string][]Message{
			"c1": {{ID: "m1", ConversationID: "c1", SenderID: "bob", Content: "Can you cover Saturday?", CreatedAt: t0}},
			"c2": {{ID: "m2", ConversationID: "c2", SenderID: "carol", Content: "Thanks!", CreatedAt: t0.Add(time.Minute), Read: true}},
		},
		profiles: map[string]*Profile{
			"alice": {UserID: "alice", DisplayName: "Alice Ng", Role: "worker", Email: "alice@example.com"},
		},
		calls: make(map[string]int),
	}
}

func newTestInbox(t *testing.T, b *fakeBackend, src EventSource, opts ...InboxOption) *Inbox {
	t.Helper()
	in := NewInbox(b, src, opts...)
	t.Cleanup(func() { in.Close() })
	return in
}

func signIn(t *testing.T, in *Inbox, userID string) {
	t.Helper()
	if err := in.Session.SignIn(context.Background(), userID); err != nil {
		t.Fatalf("sign in: %v", err)
	}
}

// ============================================================================
// fakeBackend
// ============================================================================

type fakeBackend struct {
	mu       sync.Mutex
	convs    []Conversation
	history  map[string][]Message
	profiles map[string]*Profile
	calls    map[string]int
	nextID   int

	convErr, historyErr, insertErr, markReadErr, profileErr error

	onListConversations func(ctx context.Context, userID string) ([]Conversation, error)
	onListMessages      func(ctx context.Context, conversationID string) ([]Message, error)
	onInsert            func(ctx context.Context, conversationID, content string) (*Receipt, error)
}

var _ Backend = (*fakeBackend)(nil)

func (b *fakeBackend) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *fakeBackend) setErr(target *error, err error) {
	b.mu.Lock()
	*target = err
	b.mu.Unlock()
}

func (b *fakeBackend) historyOf(conversationID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneMessages(b.history[conversationID])
}

func (b *fakeBackend) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	b.mu.Lock()
	b.calls["ListConversations"]++
	hook, err := b.onListConversations, b.convErr
	convs := cloneConversations(b.convs)
	b.mu.Unlock()
	if hook != nil {
		return hook(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	return convs, nil
}

func (b *fakeBackend) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	b.mu.Lock()
	b.calls["ListMessages"]++
	hook, err := b.onListMessages, b.historyErr
	b.mu.Unlock()
	if hook != nil {
		return hook(ctx, conversationID)
	}
	if err != nil {
		return nil, err
	}
	return b.historyOf(conversationID), nil
}

func (b *fakeBackend) InsertMessage(ctx context.Context, conversationID, content string) (*Receipt, error) {
	b.mu.Lock()
	b.calls["InsertMessage"]++
	hook, err := b.onInsert, b.insertErr
	b.nextID++
	id := b.nextID
	b.mu.Unlock()
	if hook != nil {
		return hook(ctx, conversationID, content)
	}
	if err != nil {
		return nil, err
	}
	return &Receipt{ID: fmt.Sprintf("srv-%d", id), CreatedAt: t0.Add(time.Duration(id) * time.Hour)}, nil
}

func (b *fakeBackend) MarkRead(ctx context.Context, conversationID, readerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["MarkRead"]++
	if b.markReadErr != nil {
		return b.markReadErr
	}
	b.history[conversationID] = markReadLocal(b.history[conversationID], readerID)
	for i := range b.convs {
		if b.convs[i].ID == conversationID {
			b.convs[i].UnreadCount = 0
		}
	}
	return nil
}

func (b *fakeBackend) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["GetProfile"]++
	if b.profileErr != nil {
		return nil, b.profileErr
	}
	p, ok := b.profiles[userID]
	if !ok {
		return nil, errors.Errorf("profile %s not found", userID)
	}
	cp := *p
	return &cp, nil
}

// ============================================================================
// fakeSource
// ============================================================================

type fakeSource struct {
	mu              sync.Mutex
	failures        int // upcoming Subscribe calls that fail with err
	err             error
	breakOnAck      error // next channel reports this before Subscribe returns
	channels        []*fakeChannel
	liveAtSubscribe []int
}

var _ EventSource = (*fakeSource)(nil)

func (s *fakeSource) Subscribe(ctx context.Context, userID string, onEvent func(Message), onError func(error)) (Channel, error) {
	s.mu.Lock()
	s.liveAtSubscribe = append(s.liveAtSubscribe, s.liveLocked())
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, s.err
	}
	ch := &fakeChannel{userID: userID, onEvent: onEvent, onError: onError}
	s.channels = append(s.channels, ch)
	brk := s.breakOnAck
	s.breakOnAck = nil
	s.mu.Unlock()

	if brk != nil {
		onError(brk)
	}
	return ch, nil
}

func (s *fakeSource) failNext(n int, err error) {
	s.mu.Lock()
	s.failures, s.err = n, err
	s.mu.Unlock()
}

func (s *fakeSource) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked()
}

func (s *fakeSource) liveLocked() int {
	n := 0
	for _, ch := range s.channels {
		if !ch.isClosed() {
			n++
		}
	}
	return n
}

func (s *fakeSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

func (s *fakeSource) last() *fakeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.channels) == 0 {
		return nil
	}
	return s.channels[len(s.channels)-1]
}

func (s *fakeSource) maxLiveAtSubscribe() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	most := 0
	for _, n := range s.liveAtSubscribe {
		if n > most {
			most = n
		}
	}
	return most
}

type fakeChannel struct {
	userID  string
	onEvent func(Message)
	onError func(error)

	mu     sync.Mutex
	closed bool
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) push(m Message) { c.onEvent(m) }

func (c *fakeChannel) breakWith(err error) { c.onError(err) }

// ============================================================================
// Event recorder
// ============================================================================

type eventLog struct {
	mu       sync.Mutex
	payloads []any
}

func recordEvents(in *Inbox, event string) *eventLog {
	l := &eventLog{}
	in.On(event, func(_ string, payload any) {
		l.mu.Lock()
		l.payloads = append(l.payloads, payload)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.payloads)
}

func (l *eventLog) all() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.payloads...)
}

func noticeKinds(in *Inbox) []NoticeKind {
	var kinds []NoticeKind
	for _, n := range in.Notices.Active() {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}
