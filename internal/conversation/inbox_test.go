package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/cotai-messaging/internal/testutil"
	"github.com/npezzotti/cotai-messaging/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLister struct {
	mock.Mock
}

func (m *mockLister) ListConversations(ctx context.Context, skip, limit int) ([]types.Conversation, error) {
	args := m.Called(ctx, skip, limit)
	return args.Get(0).([]types.Conversation), args.Error(1)
}

func (m *mockLister) UnreadCount(ctx context.Context, conversationId int) (int, error) {
	args := m.Called(ctx, conversationId)
	return args.Int(0), args.Error(1)
}

func TestInbox(t *testing.T) {
	lister := &mockLister{}
	defer lister.AssertExpectations(t)

	convs := []types.Conversation{
		{Id: 1, Name: "older", UpdatedAt: epoch},
		{Id: 2, Name: "newer", UpdatedAt: epoch.Add(time.Hour)},
	}
	lister.On("ListConversations", mock.Anything, 0, inboxPageSize).Return(convs, nil).Once()
	lister.On("UnreadCount", mock.Anything, 1).Return(3, nil).Once()
	lister.On("UnreadCount", mock.Anything, 2).Return(0, nil).Once()

	in := NewInbox(me, lister, testutil.TestLogger(t))
	var updates int
	in.OnChange(func([]InboxEntry) { updates++ })

	require.NoError(t, in.Refresh(context.Background()))
	entries := in.Entries()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, 2, entries[0].Conversation.Id, "expected most recent activity first")
		assert.Equal(t, 3, entries[1].Unread)
	}
	assert.Equal(t, 3, in.TotalUnread())

	in.HandleMessage(inConversation(1, msg(50, 2, 2*time.Hour)))
	entries = in.Entries()
	assert.Equal(t, 1, entries[0].Conversation.Id, "expected a new message to move the conversation up")
	assert.Equal(t, 4, entries[0].Unread)
	if assert.NotNil(t, entries[0].Conversation.LastMessage) {
		assert.Equal(t, 50, entries[0].Conversation.LastMessage.Id)
	}

	in.SetActive(1)
	assert.Equal(t, 0, in.TotalUnread(), "expected opening a conversation to clear its counter")

	in.HandleMessage(inConversation(1, msg(51, 2, 3*time.Hour)))
	in.HandleMessage(inConversation(2, msg(52, me, 4*time.Hour)))
	assert.Equal(t, 0, in.TotalUnread(), "expected no unread for the open conversation or own messages")

	in.HandleMessage(inConversation(9, msg(53, 2, 5*time.Hour)))
	assert.Equal(t, 9, in.Entries()[0].Conversation.Id, "expected an unknown conversation to be added")
	assert.Equal(t, 1, in.TotalUnread())

	in.Remove(9)
	assert.Len(t, in.Entries(), 2)
	assert.Equal(t, 7, updates, "expected a change notification per mutation")
}

func TestInboxPaging(t *testing.T) {
	lister := &mockLister{}
	defer lister.AssertExpectations(t)

	full := make([]types.Conversation, inboxPageSize)
	for i := range full {
		full[i] = types.Conversation{Id: i + 1}
	}
	lister.On("ListConversations", mock.Anything, 0, inboxPageSize).Return(full, nil).Once()
	lister.On("ListConversations", mock.Anything, inboxPageSize, inboxPageSize).
		Return([]types.Conversation{{Id: 100}}, nil).Once()
	lister.On("UnreadCount", mock.Anything, mock.Anything).Return(0, nil)

	in := NewInbox(me, lister, testutil.TestLogger(t))
	require.NoError(t, in.Refresh(context.Background()))
	assert.Len(t, in.Entries(), inboxPageSize+1, "expected every page to be loaded")
}
