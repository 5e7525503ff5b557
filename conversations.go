package staffline

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ConversationList owns the cached conversation summaries of the signed-in
// user. A failed load never clears the cache.
type ConversationList struct {
	backend Backend
	session *Session
	cache   Cache
	events  *emitter
	notices *NoticeBoard
	logger  zerolog.Logger

	mu      sync.RWMutex
	owner   string // user the cached list belongs to
	convs   []Conversation
	seq     uint64 // last load issued
	applied uint64 // last load applied
}

func newConversationList(backend Backend, session *Session, cache Cache, events *emitter, notices *NoticeBoard, logger zerolog.Logger) *ConversationList {
	return &ConversationList{
		backend: backend,
		session: session,
		cache:   cache,
		events:  events,
		notices: notices,
		logger:  logger.With().Str("component", "conversations").Logger(),
	}
}

// Load fetches every conversation userID participates in. Results of loads
// that complete after a newer one has been applied are dropped.
func (l *ConversationList) Load(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNotSignedIn
	}
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	convs, err := l.backend.ListConversations(ctx, userID)
	if err != nil {
		l.mu.RLock()
		stale := seq <= l.applied
		l.mu.RUnlock()
		if stale {
			l.logger.Debug().Err(err).Uint64("seq", seq).Msg("dropping stale conversation load failure")
			return nil
		}
		ferr := &FetchError{Op: "conversations", Err: err}
		l.logger.Warn().Err(err).Str("user_id", userID).Msg("conversation load failed, keeping cached list")
		l.notices.Post(ferr)
		return ferr
	}

	l.mu.Lock()
	if seq <= l.applied {
		l.mu.Unlock()
		l.logger.Debug().Uint64("seq", seq).Msg("dropping stale conversation load")
		return nil
	}
	l.applied = seq
	l.owner = userID
	l.convs = cloneConversations(convs)
	snapshot := cloneConversations(l.convs)
	l.mu.Unlock()

	if err := l.cache.PutConversations(userID, snapshot); err != nil {
		l.logger.Warn().Err(err).Msg("conversation cache write failed")
	}
	l.logger.Debug().Int("count", len(snapshot)).Msg("conversations loaded")
	l.events.emit(EventConversationsUpdated, snapshot)
	return nil
}

// Refresh reloads the list for the session's current user.
func (l *ConversationList) Refresh(ctx context.Context) error {
	return l.Load(ctx, l.session.UserID())
}

// Restore seeds the list from the persistent cache when nothing has been
// loaded for userID yet.
func (l *ConversationList) Restore(userID string) error {
	convs, err := l.cache.Conversations(userID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if l.owner == userID && l.applied > 0 {
		l.mu.Unlock()
		return nil
	}
	l.owner = userID
	l.convs = convs
	snapshot := cloneConversations(convs)
	l.mu.Unlock()

	l.events.emit(EventConversationsUpdated, snapshot)
	return nil
}

// Reset drops the cached list and any in-flight load, e.g. on sign-out.
func (l *ConversationList) Reset() {
	l.mu.Lock()
	l.applied = l.seq
	l.owner = ""
	l.convs = nil
	l.mu.Unlock()
	l.events.emit(EventConversationsUpdated, []Conversation(nil))
}

// Conversations returns a snapshot of the cached list.
func (l *ConversationList) Conversations() []Conversation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneConversations(l.convs)
}

// Get returns a copy of the cached conversation with the given id.
func (l *ConversationList) Get(id string) (Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, c := range l.convs {
		if c.ID == id {
			return cloneConversations([]Conversation{c})[0], true
		}
	}
	return Conversation{}, false
}

// UnreadTotal sums the unread counts of the cached list.
func (l *ConversationList) UnreadTotal() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0
	for _, c := range l.convs {
		total += c.UnreadCount
	}
	return total
}

// Filter returns the conversations whose other participant's display name
// contains term, case-insensitively. The cache is not modified.
func (l *ConversationList) Filter(term string) []Conversation {
	return filterConversations(l.Conversations(), l.session.UserID(), term)
}

func filterConversations(convs []Conversation, userID, term string) []Conversation {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return convs
	}
	var out []Conversation
	for _, c := range convs {
		other := c.Other(userID)
		if strings.Contains(strings.ToLower(other.DisplayName), term) {
			out = append(out, c)
		}
	}
	return out
}

// noteMessage updates the last-message summary of a cached conversation.
func (l *ConversationList) noteMessage(m Message) {
	l.mu.Lock()
	found := false
	for i := range l.convs {
		if l.convs[i].ID == m.ConversationID {
			l.convs[i].LastMessage = summarize(m)
			found = true
			break
		}
	}
	snapshot := cloneConversations(l.convs)
	l.mu.Unlock()
	if found {
		l.events.emit(EventConversationsUpdated, snapshot)
	}
}

// setUnread overwrites the cached unread count of a conversation.
func (l *ConversationList) setUnread(conversationID string, n int) {
	l.mu.Lock()
	found := false
	for i := range l.convs {
		if l.convs[i].ID == conversationID && l.convs[i].UnreadCount != n {
			l.convs[i].UnreadCount = n
			found = true
			break
		}
	}
	snapshot := cloneConversations(l.convs)
	l.mu.Unlock()
	if found {
		l.events.emit(EventConversationsUpdated, snapshot)
	}
}
