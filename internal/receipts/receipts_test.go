package receipts

import (
	"context"
	"errors"
	"testing"

	"github.com/npezzotti/cotai-messaging/internal/socket"
	"github.com/npezzotti/cotai-messaging/internal/stats"
	"github.com/npezzotti/cotai-messaging/internal/testutil"
	"github.com/npezzotti/cotai-messaging/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockMarker struct {
	mock.Mock
}

func (m *mockMarker) MarkRead(ctx context.Context, messageIds []int) error {
	args := m.Called(ctx, messageIds)
	return args.Error(0)
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(frameType socket.FrameType, payload any) bool {
	args := m.Called(frameType, payload)
	return args.Bool(0)
}

const self = 1

func history() []types.Message {
	return []types.Message{
		{Id: 10, SenderId: 2},
		{Id: 11, SenderId: self},
		{Id: 12, SenderId: 3, ReadReceipts: []types.ReadReceipt{{UserId: self, MessageId: 12}}},
		{Id: 13, SenderId: 3, ReadReceipts: []types.ReadReceipt{{UserId: 2, MessageId: 13}}},
		{Id: 14, SenderId: 2, IsRead: true},
		{Id: 15, SenderId: 2},
	}
}

func TestUnread(t *testing.T) {
	assert.Equal(t, []int{10, 13, 15}, Unread(self, history()),
		"expected only messages from others that the current user has not read")
	assert.Empty(t, Unread(self, nil))
}

func TestAcknowledge(t *testing.T) {
	t.Run("one batch for all unread messages", func(t *testing.T) {
		marker := &mockMarker{}
		defer marker.AssertExpectations(t)
		marker.On("MarkRead", mock.Anything, []int{10, 13, 15}).Return(nil).Once()

		sender := &mockSender{}
		defer sender.AssertExpectations(t)
		sender.On("Send", socket.ReadReceipt, socket.Receipt{ConversationId: 7, MessageIds: []int{10, 13, 15}}).
			Return(true).Once()

		su := &stats.MockStats{}
		defer su.AssertExpectations(t)
		su.On("Incr", stats.ReceiptsSent).Once()

		b := NewBatcher(self, marker, sender, su, testutil.TestLogger(t))
		ids, err := b.Acknowledge(context.Background(), 7, history())
		assert.NoError(t, err, "expected no error")
		assert.Equal(t, []int{10, 13, 15}, ids)
	})

	t.Run("nothing unread", func(t *testing.T) {
		marker := &mockMarker{}
		sender := &mockSender{}

		b := NewBatcher(self, marker, sender, nil, testutil.TestLogger(t))
		ids, err := b.Acknowledge(context.Background(), 7, []types.Message{{Id: 1, SenderId: self}})
		assert.NoError(t, err)
		assert.Empty(t, ids)
		marker.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything)
		sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("rest failure still sends the frame", func(t *testing.T) {
		marker := &mockMarker{}
		marker.On("MarkRead", mock.Anything, []int{10, 13, 15}).Return(errors.New("boom")).Once()

		sender := &mockSender{}
		defer sender.AssertExpectations(t)
		sender.On("Send", socket.ReadReceipt, mock.Anything).Return(false).Once()

		b := NewBatcher(self, marker, sender, nil, testutil.TestLogger(t))
		ids, err := b.Acknowledge(context.Background(), 7, history())
		assert.Error(t, err, "expected the REST error to be returned")
		assert.Equal(t, []int{10, 13, 15}, ids)
	})
}
