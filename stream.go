package staffline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MessageStream owns the message list of the selected conversation.
//
// Every Select bumps a generation counter; a fetch, send confirmation or
// rollback only touches the list if the generation it started under is still
// current, so late results for a conversation the user has left are dropped.
type MessageStream struct {
	backend Backend
	session *Session
	convs   *ConversationList
	events  *emitter
	notices *NoticeBoard
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	selected string
	gen      uint64
	loading  bool
	messages []Message
}

func newMessageStream(backend Backend, session *Session, convs *ConversationList, events *emitter, notices *NoticeBoard, logger zerolog.Logger) *MessageStream {
	return &MessageStream{
		backend: backend,
		session: session,
		convs:   convs,
		events:  events,
		notices: notices,
		logger:  logger.With().Str("component", "stream").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Selected returns the open conversation id, or "".
func (s *MessageStream) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Loading reports whether the history of the selected conversation is in flight.
func (s *MessageStream) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Messages returns a snapshot of the visible list.
func (s *MessageStream) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

// Select opens a conversation: the current list is discarded, EventShowChat
// is emitted, the history is fetched and the conversation is marked read.
// A mark-read failure is reported as a notice but does not fail Select.
func (s *MessageStream) Select(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.selected = conversationID
	s.messages = nil
	s.loading = true
	s.mu.Unlock()

	s.events.emit(EventShowChat, conversationID)
	s.events.emit(EventMessagesUpdated, []Message(nil))

	history, err := s.backend.ListMessages(ctx, conversationID)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.logger.Debug().Str("conversation_id", conversationID).Msg("dropping stale history")
		return nil
	}
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		ferr := &FetchError{Op: "messages", ConversationID: conversationID, Err: err}
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("history load failed")
		s.notices.Post(ferr)
		return ferr
	}
	// keep anything sent or pushed while the history was loading
	merged := sortHistory(history)
	for _, m := range s.messages {
		if indexOf(merged, m.ID) < 0 {
			merged = append(merged, m)
		}
	}
	s.messages = merged
	snapshot := cloneMessages(merged)
	s.mu.Unlock()

	s.events.emit(EventMessagesUpdated, snapshot)
	_ = s.MarkRead(ctx, conversationID)
	return nil
}

// Deselect closes the open conversation and discards its list.
func (s *MessageStream) Deselect() {
	s.mu.Lock()
	s.gen++
	s.selected = ""
	s.messages = nil
	s.loading = false
	s.mu.Unlock()
	s.events.emit(EventMessagesUpdated, []Message(nil))
}

// Send optimistically appends a pending message to the open conversation
// and persists it. On success the pending entry is confirmed in place; on
// failure it is removed and a *SendError carrying the content is returned.
func (s *MessageStream) Send(ctx context.Context, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	userID := s.session.UserID()
	if userID == "" {
		return nil, ErrNotSignedIn
	}

	s.mu.Lock()
	conversationID, gen := s.selected, s.gen
	if conversationID == "" {
		s.mu.Unlock()
		return nil, ErrNoConversation
	}
	pending := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
		CreatedAt:      s.now(),
		Read:           true,
		State:          Pending,
	}
	s.messages = appendPending(s.messages, pending)
	snapshot := cloneMessages(s.messages)
	s.mu.Unlock()
	s.events.emit(EventMessagesUpdated, snapshot)

	receipt, err := s.backend.InsertMessage(ctx, conversationID, content)
	if err != nil {
		s.apply(gen, func(list []Message) []Message { return rollbackPending(list, pending.ID) })
		serr := &SendError{ConversationID: conversationID, TempID: pending.ID, Content: content, Err: err}
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("send failed, rolled back")
		s.notices.Post(serr)
		return nil, serr
	}

	confirmed := pending
	confirmed.ID = receipt.ID
	confirmed.State = Confirmed
	if !receipt.CreatedAt.IsZero() {
		confirmed.CreatedAt = receipt.CreatedAt
	}
	s.apply(gen, func(list []Message) []Message {
		out, _ := confirmPending(list, pending.ID, *receipt)
		return out
	})

	s.convs.noteMessage(confirmed)
	_ = s.convs.Refresh(ctx)
	return &confirmed, nil
}

// Receive handles a pushed insert. A message for the open conversation from
// another sender is appended once (dedup by id) and marked read; an event
// for any other conversation only refreshes the conversation list.
func (s *MessageStream) Receive(ctx context.Context, msg Message) {
	userID := s.session.UserID()

	s.mu.Lock()
	selected := s.selected
	if msg.ConversationID != selected {
		s.mu.Unlock()
		_ = s.convs.Refresh(ctx)
		return
	}
	if msg.SenderID == userID {
		// own echo; the send confirmation owns this entry
		s.mu.Unlock()
		return
	}
	var added bool
	s.messages, added = appendUnique(s.messages, msg)
	snapshot := cloneMessages(s.messages)
	s.mu.Unlock()

	if !added {
		return
	}
	s.events.emit(EventMessagesUpdated, snapshot)
	s.convs.noteMessage(msg)
	_ = s.MarkRead(ctx, selected)
}

// MarkRead marks every message of the conversation not sent by the current
// user as read. A failure is logged and posted as a notice. The conversation
// list is refreshed in every case.
func (s *MessageStream) MarkRead(ctx context.Context, conversationID string) error {
	userID := s.session.UserID()
	if userID == "" {
		return ErrNotSignedIn
	}

	var result error
	if err := s.backend.MarkRead(ctx, conversationID, userID); err != nil {
		result = &MarkReadError{ConversationID: conversationID, Err: err}
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark read failed")
		s.notices.Post(result)
	} else {
		s.mu.Lock()
		var snapshot []Message
		if s.selected == conversationID && countUnread(s.messages, userID) > 0 {
			s.messages = markReadLocal(s.messages, userID)
			snapshot = cloneMessages(s.messages)
		}
		s.mu.Unlock()
		if snapshot != nil {
			s.events.emit(EventMessagesUpdated, snapshot)
		}
		s.convs.setUnread(conversationID, 0)
	}

	_ = s.convs.Refresh(ctx)
	return result
}

// apply runs fn on the list if gen is still the current selection.
func (s *MessageStream) apply(gen uint64, fn func([]Message) []Message) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.messages = fn(s.messages)
	snapshot := cloneMessages(s.messages)
	s.mu.Unlock()
	s.events.emit(EventMessagesUpdated, snapshot)
}
