package presence

import (
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/cotai-messaging/internal/clock"
	"github.com/npezzotti/cotai-messaging/internal/notify"
	"github.com/npezzotti/cotai-messaging/internal/socket"
	"github.com/rs/zerolog"
)

// ChangeHandler receives the sorted ids of the users now typing in a
// conversation.
type ChangeHandler func(conversationId int, userIds []int)

type entry struct {
	timer clock.Timer
}

// Tracker keeps who is typing in each conversation. Entries expire unless a
// new "started" frame refreshes them, so a peer that drops without sending
// "stopped" does not stay typing forever.
type Tracker struct {
	self  int
	clock clock.Clock
	ttl   time.Duration
	log   zerolog.Logger

	mu     sync.Mutex
	typing map[int]map[int]*entry

	listeners notify.Registry[ChangeHandler]
}

func NewTracker(self int, c clock.Clock, debounce time.Duration, logger zerolog.Logger) *Tracker {
	return &Tracker{
		self:   self,
		clock:  c,
		ttl:    2 * debounce,
		log:    logger.With().Str("component", "typing_tracker").Logger(),
		typing: make(map[int]map[int]*entry),
	}
}

func (t *Tracker) OnChange(h ChangeHandler) func() {
	return t.listeners.Add(h)
}

// HandleTyping applies an inbound typing_status frame.
func (t *Tracker) HandleTyping(ev socket.Typing) {
	if ev.UserId == t.self {
		return
	}

	t.mu.Lock()
	users := t.typing[ev.ConversationId]
	e, known := users[ev.UserId]
	if known {
		e.timer.Stop()
	}

	if !ev.IsTyping {
		if !known {
			t.mu.Unlock()
			return
		}
		t.removeLocked(ev.ConversationId, ev.UserId)
		ids := t.idsLocked(ev.ConversationId)
		t.mu.Unlock()

		t.notify(ev.ConversationId, ids)
		return
	}

	if users == nil {
		users = make(map[int]*entry)
		t.typing[ev.ConversationId] = users
	}
	e = &entry{}
	e.timer = t.clock.AfterFunc(t.ttl, func() { t.expire(ev.ConversationId, ev.UserId, e) })
	users[ev.UserId] = e
	ids := t.idsLocked(ev.ConversationId)
	t.mu.Unlock()

	if !known {
		t.notify(ev.ConversationId, ids)
	}
}

// HandleConnectionChange drops all typing state. Whatever was known before a
// reconnect or disconnect can no longer be trusted.
func (t *Tracker) HandleConnectionChange(socket.ConnectionChange) {
	t.Reset()
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	cleared := make([]int, 0, len(t.typing))
	for conversationId, users := range t.typing {
		for _, e := range users {
			e.timer.Stop()
		}
		cleared = append(cleared, conversationId)
	}
	t.typing = make(map[int]map[int]*entry)
	t.mu.Unlock()

	slices.Sort(cleared)
	for _, id := range cleared {
		t.notify(id, nil)
	}
}

// Typing returns the sorted ids of users typing in conversationId.
func (t *Tracker) Typing(conversationId int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idsLocked(conversationId)
}

func (t *Tracker) expire(conversationId, userId int, e *entry) {
	t.mu.Lock()
	if t.typing[conversationId][userId] != e {
		t.mu.Unlock()
		return
	}
	t.removeLocked(conversationId, userId)
	ids := t.idsLocked(conversationId)
	t.mu.Unlock()

	t.log.Debug().Int("conversation_id", conversationId).Int("user_id", userId).Msg("typing expired")
	t.notify(conversationId, ids)
}

func (t *Tracker) removeLocked(conversationId, userId int) {
	delete(t.typing[conversationId], userId)
	if len(t.typing[conversationId]) == 0 {
		delete(t.typing, conversationId)
	}
}

func (t *Tracker) idsLocked(conversationId int) []int {
	users := t.typing[conversationId]
	if len(users) == 0 {
		return nil
	}

	ids := make([]int, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (t *Tracker) notify(conversationId int, ids []int) {
	for _, h := range t.listeners.Snapshot() {
		h(conversationId, ids)
	}
}
