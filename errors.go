package staffline

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors returned without a notice; they describe caller mistakes.
var (
	ErrEmptyContent   = errors.New("message content is empty")
	ErrNoConversation = errors.New("no conversation selected")
	ErrNotSignedIn    = errors.New("not signed in")
)

// FetchError reports a failed conversation list or message history load.
// It is recoverable by invoking the load again.
type FetchError struct {
	Op             string // "conversations" or "messages"
	ConversationID string
	Err            error
}

func (e *FetchError) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("fetch %s for %s: %v", e.Op, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
func (e *FetchError) Cause() error  { return e.Err }

// SendError reports a failed message persist. The optimistic entry has
// already been rolled back; Content holds the text so it can be resubmitted.
type SendError struct {
	ConversationID string
	TempID         string
	Content        string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message to %s: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
func (e *SendError) Cause() error  { return e.Err }

// SubscriptionError reports a push channel failure. It is not recovered
// automatically unless a RetryPolicy is configured.
type SubscriptionError struct {
	UserID string
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("push subscription for %s: %v", e.UserID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
func (e *SubscriptionError) Cause() error  { return e.Err }

// MarkReadError reports a failed read-receipt update. It never blocks display.
type MarkReadError struct {
	ConversationID string
	Err            error
}

func (e *MarkReadError) Error() string {
	return fmt.Sprintf("mark %s read: %v", e.ConversationID, e.Err)
}

func (e *MarkReadError) Unwrap() error { return e.Err }
func (e *MarkReadError) Cause() error  { return e.Err }
