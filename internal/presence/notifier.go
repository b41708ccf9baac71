package presence

import (
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/cotai-messaging/internal/clock"
	"github.com/npezzotti/cotai-messaging/internal/socket"
	"github.com/rs/zerolog"
)

// FrameSender is the part of the socket manager the typing protocol needs.
type FrameSender interface {
	Send(frameType socket.FrameType, payload any) bool
}

type burst struct {
	timer clock.Timer
	seq   int
}

// Notifier turns keystrokes into typing_status frames. The first keystroke
// of a burst sends "started" right away; the burst ends with a single
// "stopped" after the idle window, on Stop, or when the input is cleared.
type Notifier struct {
	sender FrameSender
	clock  clock.Clock
	idle   time.Duration
	log    zerolog.Logger

	mu     sync.Mutex
	bursts map[int]*burst
}

// NewNotifier creates a notifier for debounce window debounce. A burst ends
// after twice that window without keystrokes.
func NewNotifier(sender FrameSender, c clock.Clock, debounce time.Duration, logger zerolog.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		clock:  c,
		idle:   2 * debounce,
		log:    logger.With().Str("component", "typing").Logger(),
		bursts: make(map[int]*burst),
	}
}

// Keystroke records that the input of conversationId now holds content.
func (n *Notifier) Keystroke(conversationId int, content string) {
	if strings.TrimSpace(content) == "" {
		n.Stop(conversationId)
		return
	}

	n.mu.Lock()
	b, typing := n.bursts[conversationId]
	if !typing {
		b = &burst{}
		n.bursts[conversationId] = b
	} else {
		b.timer.Stop()
	}
	b.seq++
	seq := b.seq
	b.timer = n.clock.AfterFunc(n.idle, func() { n.expire(conversationId, b, seq) })
	n.mu.Unlock()

	if !typing {
		n.send(conversationId, true)
	}
}

// Stop ends the burst for conversationId immediately. It is a no-op when the
// user is not typing there.
func (n *Notifier) Stop(conversationId int) {
	n.mu.Lock()
	b, ok := n.bursts[conversationId]
	if ok {
		b.timer.Stop()
		delete(n.bursts, conversationId)
	}
	n.mu.Unlock()

	if ok {
		n.send(conversationId, false)
	}
}

func (n *Notifier) StopAll() {
	n.mu.Lock()
	ids := make([]int, 0, len(n.bursts))
	for id := range n.bursts {
		ids = append(ids, id)
	}
	n.mu.Unlock()

	for _, id := range ids {
		n.Stop(id)
	}
}

// Typing reports whether a burst is open for conversationId.
func (n *Notifier) Typing(conversationId int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.bursts[conversationId]
	return ok
}

func (n *Notifier) expire(conversationId int, b *burst, seq int) {
	n.mu.Lock()
	if n.bursts[conversationId] != b || b.seq != seq {
		n.mu.Unlock()
		return
	}
	delete(n.bursts, conversationId)
	n.mu.Unlock()

	n.send(conversationId, false)
}

func (n *Notifier) send(conversationId int, isTyping bool) {
	ok := n.sender.Send(socket.TypingStatus, socket.Typing{ConversationId: conversationId, IsTyping: isTyping})
	n.log.Debug().
		Int("conversation_id", conversationId).
		Bool("is_typing", isTyping).
		Bool("sent", ok).
		Msg("typing status")
}
