package staffline

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Event names emitted by the Inbox components.
const (
	EventIdentityChanged      = "identity.changed"      // payload: string user id ("" on sign-out)
	EventConversationsUpdated = "conversations.updated" // payload: []Conversation
	EventMessagesUpdated      = "messages.updated"      // payload: []Message
	EventShowChat             = "chat.show"             // payload: string conversation id
	EventSubscriptionState    = "subscription.state"    // payload: SubscriptionState
	EventNotice               = "notice"                // payload: Notice
)

// ============================================================================
// Event Emitter
// ============================================================================

// EventHandler handles component events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]EventHandler)}
}

// On registers a handler for the named event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

// emit runs handlers synchronously. Callers must not hold their own locks.
func (e *emitter) emit(event string, payload any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}

// ============================================================================
// Notices
// ============================================================================

// NoticeKind classifies a user-visible notice.
type NoticeKind string

const (
	NoticeFetch        NoticeKind = "fetch"
	NoticeSend         NoticeKind = "send"
	NoticeSubscription NoticeKind = "subscription"
	NoticeMarkRead     NoticeKind = "mark_read"
	NoticeOther        NoticeKind = "other"
)

// Notice is a transient, dismissible, non-fatal error notification.
type Notice struct {
	ID      string
	Kind    NoticeKind
	Message string
	Err     error
	At      time.Time
}

const maxNotices = 20

// NoticeBoard keeps the active notices until they are dismissed.
type NoticeBoard struct {
	mu      sync.Mutex
	notices []Notice
	events  *emitter
}

func newNoticeBoard(events *emitter) *NoticeBoard {
	return &NoticeBoard{events: events}
}

// Post records a notice for err and emits EventNotice.
func (b *NoticeBoard) Post(err error) Notice {
	n := Notice{
		ID:      uuid.NewString(),
		Kind:    noticeKind(err),
		Message: err.Error(),
		Err:     err,
		At:      time.Now(),
	}
	b.mu.Lock()
	b.notices = append(b.notices, n)
	if len(b.notices) > maxNotices {
		b.notices = b.notices[len(b.notices)-maxNotices:]
	}
	b.mu.Unlock()

	b.events.emit(EventNotice, n)
	return n
}

// Active returns the notices not yet dismissed, oldest first.
func (b *NoticeBoard) Active() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notice(nil), b.notices...)
}

// Dismiss removes the notice with the given id.
func (b *NoticeBoard) Dismiss(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, n := range b.notices {
		if n.ID == id {
			b.notices = append(b.notices[:i], b.notices[i+1:]...)
			return true
		}
	}
	return false
}

func noticeKind(err error) NoticeKind {
	var (
		fetchErr *FetchError
		sendErr  *SendError
		subErr   *SubscriptionError
		readErr  *MarkReadError
	)
	switch {
	case errors.As(err, &fetchErr):
		return NoticeFetch
	case errors.As(err, &sendErr):
		return NoticeSend
	case errors.As(err, &subErr):
		return NoticeSubscription
	case errors.As(err, &readErr):
		return NoticeMarkRead
	}
	return NoticeOther
}
