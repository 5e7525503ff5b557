package staffline

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectLoadsHistoryAndMarksRead(t *testing.T) {
	b := fixtureBackend()
	in := newTestInbox(t, b, &fakeSource{})
	signIn(t, in, "alice")
	shown := recordEvents(in, EventShowChat)

	require.NoError(t, in.Stream.Select(context.Background(), "c1"))

	assert.Equal(t, "c1", in.Stream.Selected())
	assert.False(t, in.Stream.Loading())
	assert.Equal(t, []any{"c1"}, shown.all())

	msgs := in.Stream.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.True(t, msgs[0].Read, "incoming message should be marked read")
	assert.Equal(t, 1, b.count("MarkRead"))

	conv, ok := in.Conversations.Get("c1")
	require.True(t, ok)
	assert.Equal(t, 0, conv.UnreadCount)
}

func TestSelectEmptyID(t *testing.T) {
	in := newTestInbox(t, fixtureBackend(), &fakeSource{})
	assert.ErrorIs(t, in.Stream.Select(context.Background(), ""), ErrNoConversation)
}

func TestSelectFetchError(t *testing.T) {
	b := fixtureBackend()
	in := newTestInbox(t, b, &fakeSource{})
	signIn(t, in, "alice")
	b.setErr(&b.historyErr, errors.New("timeout"))

	err := in.Stream.Select(context.Background(), "c1")

	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "messages", ferr.Op)
	assert.Equal(t, "c1", ferr.ConversationID)
	assert.False(t, in.Stream.Loading())
	assert.Empty(t, in.Stream.Messages())
	assert.Contains(t, noticeKinds(in), NoticeFetch)
}

func TestSelectDropsStaleHistory(t *testing.T) {
	b := fixtureBackend()
	in := newTestInbox(t, b, &fakeSource{})
	signIn(t, in, "alice")

	started := make(chan struct{})
	release := make(chan struct{})
	b.onListMessages = func(ctx context.Context, id string) ([]Message, error) {
		if id == "c1" {
			close(started)
			<-release
		}
		return b.historyOf(id), nil
	}

	done := make(chan error, 1)
	go func() { done <- in.Stream.Select(context.Background(), "c1") }()
	<-started

	require.NoError(t, in.Stream.Select(context.Background(), "c2"))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, "c2", in.Stream.Selected())
	msgs := in.Stream.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].ID)
}

func TestSelectKeepsActivityWhileLoading(t *testing.T) {
	b := fixtureBackend()
	in := newTestInbox(t, b, &fakeSource{})
	signIn(t, in, "alice")
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	b.onListMessages = func(ctx context.Context, id string) ([]Message, error) {
		close(started)
		<-release
		return b.historyOf(id), nil
	}

	done := make(chan error, 1)
	go func() { done <- in.Stream.Select(ctx, "c1") }()
	<-started
	require.True(t, in.Stream.Loading())

	in.Stream.Receive(ctx, Message{ID: "m5", ConversationID: "c1", SenderID: "bob", Content: "Thanks!", CreatedAt: t0.Add(2 * time.Hour)})
	in.Stream.Receive(ctx, Message{ID: "m5", ConversationID: "c1", SenderID: "bob", Content: "Thanks!", CreatedAt: t0.Add(2 * time.Hour)})
	sent, err := in.Stream.Send(ctx, "see you then")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", sent.ID)

	close(release)
	require.NoError(t, <-done)

	msgs := in.Stream.Messages()
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		assert.Equal(t, Confirmed, m.State, m.ID)
	}
	assert.Equal(t, []string{"m1", "m5", "srv-1"}, ids)
	assert.False(t, in.Stream.Loading())
}

func TestSendConfirmsInPlace(t *testing.T) {
	b := fixtureBackend()
	in := newTestInbox(t, b, &fakeSource{})
	signIn(t, in, "alice")
	ctx := context.Background()
	require.NoError(t, in.Stream.Select(ctx, "c1"))

	var during []Message
	var sent string
	b.onInsert = func(ctx context.Context, convID, content string) (*Receipt, error) {
		during = in.Stream.Messages()
		sent = content
		return &Receipt{ID: "srv-9", CreatedAt: t0.Add(time.Hour)}, nil
	}
	refreshes := b.count("ListConversations")

	msg, err := in.Stream.Send(ctx, "  I can cover it  ")
	require.NoError(t, err)

	// pending entry is visible before the backend answers
	require.Len(t, during, 2)
	assert.True(t, during[1].IsPending())
	assert.Equal(t, "  I can cover it  ", during[1].Content)
	assert.Equal(t, "alice", during[1].SenderID)
	tempID := during[1].ID

	msgs := in.Stream.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "srv-9", msgs[1].ID)
	assert.Equal(t, Confirmed, msgs[1].State)
	assert.Equal(t, t0.Add(time.Hour), msgs[1].CreatedAt)
	assert.Equal(t, -1, indexOf(msgs, tempID))

	assert.Equal(t, "srv-9", msg.ID)
	assert.Equal(t, "  I can cover it  ", sent, "content is persisted as typed")
	assert.Equal(t, "  I can cover it  ", msgs[1].Content)
	assert.Greater(t, b.count("ListConversations"), refreshes)
}

func TestSendFailureRollsBack(t *testing.T) {
	b := fixtureBackend()
	in := newTestInbox(t, b, &fakeSource{})
	signIn(t, in, "alice")
	ctx := context.Background()
	require.NoError(t, in.Stream.Select(ctx, "c1"))
	cause := errors.New("network down")
	b.setErr(&b.insertErr, cause)

	msg, err := in.Stream.Send(ctx, "hello\n  - alice\n")

	assert.Nil(t, msg)
	var serr *SendError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "hello\n  - alice\n", serr.Content)
	assert.Equal(t, "c1", serr.ConversationID)
	assert.ErrorIs(t, err, cause)

	msgs := in.Stream.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Contains(t, noticeKinds(in), NoticeSend)
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("empty content", func(t *testing.T) {
		b := fixtureBackend()
		in := newTestInbox(t, b, &fakeSource{})
		signIn(t, in, "alice")
		require.NoError(t, in.Stream.Select(ctx, "c1"))

		_, err := in.Stream.Send(ctx, "  \n\t")
		assert.ErrorIs(t, err, ErrEmptyContent)
		assert.Equal(t, 0, b.count("InsertMessage"))
		assert.Len(t, in.Stream.Messages(), 1)
	})

	t.Run("no conversation", func(t *testing.T) {
		b := fixtureBackend()
		in := newTestInbox(t, b, &fakeSource{})
		signIn(t, in, "alice")

		_, err := in.Stream.Send(ctx, "hi")
		assert.ErrorIs(t, err, ErrNoConversation)
		assert.Equal(t, 0, b.count("InsertMessage"))
	})

	t.Run("not signed in", func(t *testing.T) {
		b := fixtureBackend()
		in := newTestInbox(t, b, &fakeSource{})

		_, err := in.Stream.Send(ctx, "hi")
		assert.ErrorIs(t, err, ErrNotSignedIn)
		assert.Equal(t, 0, b.count("InsertMessage"))
	})
}

func TestSendConfirmationAfterSwitchIsDropped(t *testing.T) {
	b := fixtureBackend()
	in := newTestInbox(t, b, &fakeSource{})
	signIn(t, in, "alice")
	ctx := context.Background()
	require.NoError(t, in.Stream.Select(ctx, "c1"))

	b.onInsert = func(ctx context.Context, convID, content string) (*Receipt, error) {
		_ = in.Stream.Select(ctx, "c2")
		return &Receipt{ID: "srv-late", CreatedAt: t0}, nil
	}

	msg, err := in.Stream.Send(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, "srv-late", msg.ID)

	assert.Equal(t, "c2", in.Stream.Selected())
	msgs := in.Stream.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].ID)
}

func TestReceiveAppendsOnce(t *testing.T) {
	b := fixtureBackend()
	in := newTestInbox(t, b, &fakeSource{})
	signIn(t, in, "alice")
	ctx := context.Background()
	require.NoError(t, in.Stream.Select(ctx, "c1"))
	marks := b.count("MarkRead")

	m := Message{ID: "m9", ConversationID: "c1", SenderID: "bob", Content: "Great", CreatedAt: t0.Add(2 * time.Minute)}
	in.Stream.Receive(ctx, m)
	in.Stream.Receive(ctx, m)

	msgs := in.Stream.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m9", msgs[1].ID)
	assert.True(t, msgs[1].Read)
	assert.Equal(t, marks+1, b.count("MarkRead"))
}

func TestReceiveIgnoresOwnEcho(t *testing.T) {
	b := fixtureBackend()
	in := newTestInbox(t, b, &fakeSource{})
	signIn(t, in, "alice")
	ctx := context.Background()
	require.NoError(t, in.Stream.Select(ctx, "c1"))
	marks := b.count("MarkRead")

	in.Stream.Receive(ctx, Message{ID: "srv-1", ConversationID: "c1", SenderID: "alice", Content: "mine"})

	assert.Len(t, in.Stream.Messages(), 1)
	assert.Equal(t, marks, b.count("MarkRead"))
}

func TestReceiveOtherConversationRefreshesList(t *testing.T) {
	b := fixtureBackend()
	in := newTestInbox(t, b, &fakeSource{})
	signIn(t, in, "alice")
	ctx := context.Background()
	require.NoError(t, in.Stream.Select(ctx, "c1"))
	before := in.Stream.Messages()
	refreshes := b.count("ListConversations")
	marks := b.count("MarkRead")

	in.Stream.Receive(ctx, Message{ID: "m7", ConversationID: "c2", SenderID: "carol", Content: "Are you free?"})

	assert.Equal(t, before, in.Stream.Messages())
	assert.Equal(t, refreshes+1, b.count("ListConversations"))
	assert.Equal(t, marks, b.count("MarkRead"))
}

func TestReceiveWithoutSelection(t *testing.T) {
	b := fixtureBackend()
	in := newTestInbox(t, b, &fakeSource{})
	signIn(t, in, "alice")
	refreshes := b.count("ListConversations")

	in.Stream.Receive(context.Background(), Message{ID: "m7", ConversationID: "c2", SenderID: "carol"})

	assert.Empty(t, in.Stream.Messages())
	assert.Equal(t, refreshes+1, b.count("ListConversations"))
}

func TestMarkReadFailure(t *testing.T) {
	b := fixtureBackend()
	in := newTestInbox(t, b, &fakeSource{})
	signIn(t, in, "alice")
	ctx := context.Background()
	cause := errors.New("forbidden")
	b.setErr(&b.markReadErr, cause)
	refreshes := b.count("ListConversations")

	// display is never blocked by a failed read receipt
	require.NoError(t, in.Stream.Select(ctx, "c1"))
	msgs := in.Stream.Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Read)
	assert.Contains(t, noticeKinds(in), NoticeMarkRead)
	assert.Greater(t, b.count("ListConversations"), refreshes)

	err := in.Stream.MarkRead(ctx, "c1")
	var merr *MarkReadError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "c1", merr.ConversationID)
	assert.ErrorIs(t, err, cause)
}

func TestMarkReadWithNothingUnread(t *testing.T) {
	b := fixtureBackend()
	in := newTestInbox(t, b, &fakeSource{})
	signIn(t, in, "alice")
	ctx := context.Background()
	require.NoError(t, in.Stream.Select(ctx, "c2"))

	updates := recordEvents(in, EventMessagesUpdated)
	refreshes := b.count("ListConversations")

	require.NoError(t, in.Stream.MarkRead(ctx, "c2"))

	assert.Equal(t, 0, updates.count())
	assert.Equal(t, refreshes+1, b.count("ListConversations"))
	assert.True(t, in.Stream.Messages()[0].Read)
}

func TestDeselect(t *testing.T) {
	b := fixtureBackend()
	in := newTestInbox(t, b, &fakeSource{})
	signIn(t, in, "alice")
	require.NoError(t, in.Stream.Select(context.Background(), "c1"))

	in.Stream.Deselect()

	assert.Equal(t, "", in.Stream.Selected())
	assert.Empty(t, in.Stream.Messages())
}
