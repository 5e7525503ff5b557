package staffline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Inbox wires the session, conversation list, message stream and push
// subscription of one signed-in client.
//
// Example:
//
//	client := staffline.NewClient(token)
//	src := client.Realtime().WebSocket(&staffline.RealtimeConfig{Token: token})
//	inbox := staffline.NewInbox(client, src)
//	defer inbox.Close()
//
//	inbox.On(staffline.EventMessagesUpdated, func(_ string, p any) { render(p.([]staffline.Message)) })
//	inbox.Session.SignIn(ctx, "user-123")
//	inbox.Stream.Select(ctx, "conv-1")
//	inbox.Stream.Send(ctx, "On my way")
type Inbox struct {
	Session       *Session
	Conversations *ConversationList
	Stream        *MessageStream
	Push          *PushSubscription
	Notices       *NoticeBoard

	events      *emitter
	cache       Cache
	logger      zerolog.Logger
	loadTimeout time.Duration
}

type inboxOptions struct {
	logger           zerolog.Logger
	cache            Cache
	retry            *RetryPolicy
	handshakeTimeout time.Duration
	loadTimeout      time.Duration
}

// InboxOption configures an Inbox.
type InboxOption func(*inboxOptions)

// WithLogger sets the logger shared by all components.
func WithLogger(logger zerolog.Logger) InboxOption {
	return func(o *inboxOptions) { o.logger = logger }
}

// WithCache sets the persistent cache. The Inbox closes it on Close.
func WithCache(cache Cache) InboxOption {
	return func(o *inboxOptions) { o.cache = cache }
}

// WithRetryPolicy enables automatic resubscription after channel errors.
func WithRetryPolicy(p RetryPolicy) InboxOption {
	return func(o *inboxOptions) { o.retry = &p }
}

// WithHandshakeTimeout bounds how long a subscription waits for its ack.
func WithHandshakeTimeout(d time.Duration) InboxOption {
	return func(o *inboxOptions) { o.handshakeTimeout = d }
}

// WithLoadTimeout bounds the conversation load run on identity changes.
func WithLoadTimeout(d time.Duration) InboxOption {
	return func(o *inboxOptions) { o.loadTimeout = d }
}

// NewInbox creates an Inbox over backend and source. Nothing is fetched
// until Session.SignIn is called.
func NewInbox(backend Backend, source EventSource, opts ...InboxOption) *Inbox {
	o := &inboxOptions{
		logger:      zerolog.Nop(),
		loadTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cache == nil {
		o.cache = NewMemoryCache()
	}

	events := newEmitter()
	notices := newNoticeBoard(events)
	session := newSession(backend, o.cache, events, o.logger)
	convs := newConversationList(backend, session, o.cache, events, notices, o.logger)
	stream := newMessageStream(backend, session, convs, events, notices, o.logger)
	push := newPushSubscription(source, stream, events, notices, o.logger, o.retry)
	if o.handshakeTimeout > 0 {
		push.handshakeTimeout = o.handshakeTimeout
	}

	in := &Inbox{
		Session:       session,
		Conversations: convs,
		Stream:        stream,
		Push:          push,
		Notices:       notices,
		events:        events,
		cache:         o.cache,
		logger:        o.logger,
		loadTimeout:   o.loadTimeout,
	}

	session.OnChange(in.identityChanged)
	push.Attach(session)
	return in
}

// identityChanged runs before the push subscription reacts, so the list is
// populated by the time pushed events arrive.
func (in *Inbox) identityChanged(userID string) {
	in.Stream.Deselect()
	in.Conversations.Reset()
	if userID == "" {
		return
	}
	if err := in.Conversations.Restore(userID); err != nil {
		in.logger.Warn().Err(err).Msg("conversation cache read failed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), in.loadTimeout)
	defer cancel()
	_ = in.Conversations.Load(ctx, userID)
}

// On registers a handler for one of the Event* names.
func (in *Inbox) On(event string, handler EventHandler) {
	in.events.On(event, handler)
}

// Close releases the push subscription and the cache and drops all
// handlers.
func (in *Inbox) Close() error {
	err := in.Push.Close()
	in.events.removeAll()
	if cerr := in.cache.Close(); err == nil {
		err = cerr
	}
	return err
}
