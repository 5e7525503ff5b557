package staffline

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Event Source
// ============================================================================

// EventSource delivers message insert events for a user. Subscribe returns
// once the channel is acknowledged. onEvent is called in arrival order from
// a single goroutine; consumers filter by conversation id. onError is called
// at most once when the channel fails after acknowledgment.
type EventSource interface {
	Subscribe(ctx context.Context, userID string, onEvent func(Message), onError func(error)) (Channel, error)
}

// Channel is a live subscription. Close releases it and is idempotent.
type Channel interface {
	Close() error
}

// SubscriptionState is the push subscription lifecycle state.
type SubscriptionState string

const (
	StateUnsubscribed SubscriptionState = "unsubscribed"
	StateSubscribing  SubscriptionState = "subscribing"
	StateSubscribed   SubscriptionState = "subscribed"
	StateClosed       SubscriptionState = "closed"
	StateError        SubscriptionState = "error"
)

// RetryPolicy enables automatic resubscription after a channel error.
// The zero value (or a nil policy) disables it.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(p *RetryPolicy) *reconnector {
	r := &reconnector{baseDelay: time.Second, maxDelay: 30 * time.Second}
	if p != nil {
		r.maxAttempts = p.MaxAttempts
		if p.BaseDelay > 0 {
			r.baseDelay = p.BaseDelay
		}
		if p.MaxDelay > 0 {
			r.maxDelay = p.MaxDelay
		}
	}
	return r
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts > 0 && r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// PushSubscription
// ============================================================================

// PushSubscription keeps at most one live channel for the signed-in user and
// routes its insert events to the MessageStream.
type PushSubscription struct {
	source           EventSource
	stream           *MessageStream
	events           *emitter
	notices          *NoticeBoard
	logger           zerolog.Logger
	handshakeTimeout time.Duration

	mu        sync.Mutex
	state     SubscriptionState
	userID    string
	channel   Channel
	gen       uint64
	recon     *reconnector
	cancel    context.CancelFunc
	done      <-chan struct{}
	failure   *SubscriptionError
	listeners []func(SubscriptionState)
}

func newPushSubscription(source EventSource, stream *MessageStream, events *emitter, notices *NoticeBoard, logger zerolog.Logger, retry *RetryPolicy) *PushSubscription {
	return &PushSubscription{
		source:           source,
		stream:           stream,
		events:           events,
		notices:          notices,
		logger:           logger.With().Str("component", "push").Logger(),
		handshakeTimeout: 15 * time.Second,
		state:            StateUnsubscribed,
		recon:            newReconnector(retry),
	}
}

// State returns the current lifecycle state.
func (s *PushSubscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers a listener for state transitions.
func (s *PushSubscription) OnStateChange(fn func(SubscriptionState)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Attach ties the subscription to session identity changes: a known user
// starts it, sign-out closes it.
func (s *PushSubscription) Attach(session *Session) {
	session.OnChange(func(userID string) {
		if userID == "" {
			_ = s.Close()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.handshakeTimeout)
		defer cancel()
		_ = s.Start(ctx, userID)
	})
}

// Start subscribes for userID. Any previous channel is released before the
// new one is requested.
func (s *PushSubscription) Start(ctx context.Context, userID string) error {
	s.mu.Lock()
	s.recon.reset()
	s.mu.Unlock()
	return s.start(ctx, userID)
}

func (s *PushSubscription) start(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNotSignedIn
	}

	s.mu.Lock()
	prev := s.channel
	s.channel = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	s.userID = userID
	dispatchCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = dispatchCtx.Done()
	s.failure = nil
	s.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("closing previous channel")
		}
	}
	s.transition(gen, StateSubscribing)

	ch, err := s.source.Subscribe(ctx, userID,
		func(m Message) { s.dispatch(dispatchCtx, gen, m) },
		func(err error) { s.fail(gen, err) },
	)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return s.fail(gen, err)
	}
	if s.state == StateError {
		// the channel broke before Subscribe returned; fail already ran
		serr := s.failure
		s.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		return serr
	}
	s.channel = ch
	s.recon.markConnected()
	s.mu.Unlock()

	s.logger.Info().Str("user_id", userID).Msg("push subscription acknowledged")
	s.transition(gen, StateSubscribed)
	return nil
}

// Close releases the channel and moves to Closed. It is safe to call in any
// state and more than once.
func (s *PushSubscription) Close() error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	ch := s.channel
	s.channel = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.done = nil
	}
	s.recon.reset()
	s.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
	}
	s.transition(gen, StateClosed)
	return err
}

// dispatch forwards an event while gen is current. The transport only
// delivers events after acknowledgment, so Subscribing is accepted too.
func (s *PushSubscription) dispatch(ctx context.Context, gen uint64, m Message) {
	s.mu.Lock()
	ok := s.gen == gen && (s.state == StateSubscribed || s.state == StateSubscribing)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.stream.Receive(ctx, m)
}

// fail moves the current subscription to Error and posts a notice.
func (s *PushSubscription) fail(gen uint64, cause error) error {
	s.mu.Lock()
	if s.gen != gen || s.state == StateError || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	ch := s.channel
	s.channel = nil
	userID := s.userID
	s.state = StateError
	serr := &SubscriptionError{UserID: userID, Err: cause}
	s.failure = serr
	listeners := append([]func(SubscriptionState){}, s.listeners...)
	s.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	s.logger.Error().Err(cause).Str("user_id", userID).Msg("push subscription failed")
	s.notifyState(StateError, listeners)
	s.notices.Post(serr)
	s.scheduleRetry(gen, userID)
	return serr
}

func (s *PushSubscription) scheduleRetry(gen uint64, userID string) {
	s.mu.Lock()
	if s.gen != gen || !s.recon.shouldReconnect() {
		s.mu.Unlock()
		return
	}
	delay := s.recon.nextDelay()
	attempt := s.recon.attempt
	done := s.done
	s.mu.Unlock()

	s.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling resubscribe")
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-done:
			s.logger.Debug().Int("attempt", attempt).Msg("resubscribe cancelled")
			return
		}
		s.mu.Lock()
		stale := s.gen != gen || s.state != StateError
		s.mu.Unlock()
		if stale {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.handshakeTimeout)
		defer cancel()
		_ = s.start(ctx, userID)
	}()
}

// transition sets the state if gen is current and notifies listeners.
func (s *PushSubscription) transition(gen uint64, to SubscriptionState) {
	s.mu.Lock()
	if s.gen != gen || s.state == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	listeners := append([]func(SubscriptionState){}, s.listeners...)
	s.mu.Unlock()
	s.notifyState(to, listeners)
}

func (s *PushSubscription) notifyState(to SubscriptionState, listeners []func(SubscriptionState)) {
	for _, fn := range listeners {
		fn(to)
	}
	s.events.emit(EventSubscriptionState, to)
}
