package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/cotai-messaging/internal/clock"
	"github.com/npezzotti/cotai-messaging/internal/socket"
	"github.com/npezzotti/cotai-messaging/internal/testutil"
	"github.com/stretchr/testify/assert"
)

const debounce = time.Second

type recordingSender struct {
	mu     sync.Mutex
	frames []socket.Typing
}

func (s *recordingSender) Send(frameType socket.FrameType, payload any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if frameType == socket.TypingStatus {
		s.frames = append(s.frames, payload.(socket.Typing))
	}
	return true
}

func (s *recordingSender) Frames() []socket.Typing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]socket.Typing(nil), s.frames...)
}

func started(id int) socket.Typing { return socket.Typing{ConversationId: id, IsTyping: true} }
func stopped(id int) socket.Typing { return socket.Typing{ConversationId: id, IsTyping: false} }

func TestNotifierDebounce(t *testing.T) {
	mock := clock.NewMock()
	sender := &recordingSender{}
	n := NewNotifier(sender, mock, debounce, testutil.TestLogger(t))

	for _, text := range []string{"h", "he", "hel", "hell", "hello"} {
		n.Keystroke(7, text)
		mock.Advance(300 * time.Millisecond)
	}
	assert.Equal(t, []socket.Typing{started(7)}, sender.Frames(), "expected a single started frame for the burst")
	assert.True(t, n.Typing(7))

	mock.Advance(2*debounce - 300*time.Millisecond - time.Millisecond)
	assert.Len(t, sender.Frames(), 1, "expected no stopped frame before the idle window elapses")

	mock.Advance(time.Millisecond)
	assert.Equal(t, []socket.Typing{started(7), stopped(7)}, sender.Frames(), "expected one stopped frame after the idle window")
	assert.False(t, n.Typing(7))

	mock.Advance(time.Minute)
	assert.Len(t, sender.Frames(), 2, "expected no further frames")
}

func TestNotifierClearedInput(t *testing.T) {
	mock := clock.NewMock()
	sender := &recordingSender{}
	n := NewNotifier(sender, mock, debounce, testutil.TestLogger(t))

	n.Keystroke(7, "hi")
	n.Keystroke(7, "   ")
	assert.Equal(t, []socket.Typing{started(7), stopped(7)}, sender.Frames(), "expected stopped immediately on cleared input")
	assert.Empty(t, mock.Pending(), "expected the idle timer to be cancelled")

	mock.Advance(time.Minute)
	assert.Len(t, sender.Frames(), 2, "expected the idle timer not to send a second stopped frame")

	n.Keystroke(7, "")
	assert.Len(t, sender.Frames(), 2, "expected clearing an idle input to send nothing")
}

func TestNotifierStop(t *testing.T) {
	mock := clock.NewMock()
	sender := &recordingSender{}
	n := NewNotifier(sender, mock, debounce, testutil.TestLogger(t))

	n.Keystroke(1, "a")
	n.Keystroke(2, "b")
	n.Stop(1)
	n.Stop(1)
	assert.Equal(t, []socket.Typing{started(1), started(2), stopped(1)}, sender.Frames())

	n.StopAll()
	assert.Equal(t, []socket.Typing{started(1), started(2), stopped(1), stopped(2)}, sender.Frames())
	assert.Empty(t, mock.Pending())

	n.Keystroke(1, "again")
	assert.Equal(t, started(1), sender.Frames()[4], "expected a new burst to start after stop")
}

func TestTracker(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTracker(1, mock, debounce, testutil.TestLogger(t))

	var changes [][]int
	tr.OnChange(func(conversationId int, userIds []int) {
		if conversationId == 7 {
			changes = append(changes, userIds)
		}
	})

	tr.HandleTyping(socket.Typing{UserId: 3, ConversationId: 7, IsTyping: true})
	tr.HandleTyping(socket.Typing{UserId: 2, ConversationId: 7, IsTyping: true})
	tr.HandleTyping(socket.Typing{UserId: 1, ConversationId: 7, IsTyping: true})
	assert.Equal(t, []int{2, 3}, tr.Typing(7), "expected sorted typing users without self")

	tr.HandleTyping(socket.Typing{UserId: 3, ConversationId: 7, IsTyping: false})
	assert.Equal(t, []int{2}, tr.Typing(7))

	tr.HandleTyping(socket.Typing{UserId: 3, ConversationId: 7, IsTyping: false})
	assert.Equal(t, [][]int{{3}, {2, 3}, {2}}, changes, "expected one change per membership update")
	assert.Empty(t, tr.Typing(8))
}

func TestTrackerExpiry(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTracker(1, mock, debounce, testutil.TestLogger(t))

	tr.HandleTyping(socket.Typing{UserId: 2, ConversationId: 7, IsTyping: true})
	mock.Advance(1500 * time.Millisecond)
	tr.HandleTyping(socket.Typing{UserId: 2, ConversationId: 7, IsTyping: true})

	mock.Advance(1500 * time.Millisecond)
	assert.Equal(t, []int{2}, tr.Typing(7), "expected a refreshed entry to survive")

	mock.Advance(500 * time.Millisecond)
	assert.Empty(t, tr.Typing(7), "expected the entry to expire without a stopped frame")
}

func TestTrackerConnectionChange(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTracker(1, mock, debounce, testutil.TestLogger(t))

	var cleared []int
	tr.OnChange(func(conversationId int, userIds []int) {
		if userIds == nil {
			cleared = append(cleared, conversationId)
		}
	})

	tr.HandleTyping(socket.Typing{UserId: 2, ConversationId: 7, IsTyping: true})
	tr.HandleTyping(socket.Typing{UserId: 4, ConversationId: 3, IsTyping: true})

	tr.HandleConnectionChange(socket.ConnectionChange{Connected: false})
	assert.Empty(t, tr.Typing(7))
	assert.Empty(t, tr.Typing(3))
	assert.Equal(t, []int{3, 7}, cleared, "expected every conversation to be cleared")
	assert.Empty(t, mock.Pending(), "expected expiry timers to be stopped")
}
