package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/cotai-messaging/internal/clock"
	"github.com/npezzotti/cotai-messaging/internal/notify"
	"github.com/npezzotti/cotai-messaging/internal/socket"
	"github.com/npezzotti/cotai-messaging/internal/types"
	"github.com/rs/zerolog"
)

const (
	DefaultPageSize = 50
	ackTimeout      = 10 * time.Second
)

var (
	ErrStaleFetch = errors.New("conversation changed while fetching")
	ErrNotOpen    = errors.New("no conversation is open")
)

// Fetcher is the REST surface the engine reads history through.
type Fetcher interface {
	GetConversation(ctx context.Context, conversationId, limit, skip int) (*types.ConversationWithMessages, error)
	DeleteMessage(ctx context.Context, messageId int) error
}

// Rooms is the room bookkeeping of the socket manager.
type Rooms interface {
	JoinConversation(conversationId int) bool
	LeaveConversation(conversationId int) bool
}

type Acknowledger interface {
	Acknowledge(ctx context.Context, conversationId int, msgs []types.Message) ([]int, error)
}

type Snapshot struct {
	ConversationId int
	Conversation   *types.Conversation
	Messages       []types.Message
	HasMore        bool
	Loading        bool
	Err            error
}

type ChangeHandler func(s Snapshot)

type failure int

const (
	noFailure failure = iota
	openFailed
	backfillFailed
)

// Engine keeps the message sequence of the open conversation in sync with
// REST history and socket pushes. One conversation is open at a time.
type Engine struct {
	self     int
	pageSize int
	api      Fetcher
	rooms    Rooms
	receipts Acknowledger
	clock    clock.Clock
	log      zerolog.Logger

	mu           sync.Mutex
	active       int
	gen          uint64
	conversation *types.Conversation
	timeline     *Timeline
	page         int
	hasMore      bool
	loading      bool
	err          error
	failed       failure
	acked        map[int]struct{}

	listeners notify.Registry[ChangeHandler]
}

func NewEngine(self, pageSize int, api Fetcher, rooms Rooms, receipts Acknowledger, c clock.Clock, logger zerolog.Logger) *Engine {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return &Engine{
		self:     self,
		pageSize: pageSize,
		api:      api,
		rooms:    rooms,
		receipts: receipts,
		clock:    c,
		log:      logger.With().Str("component", "sync").Logger(),
		timeline: NewTimeline(),
		acked:    make(map[int]struct{}),
	}
}

func (e *Engine) OnChange(h ChangeHandler) func() {
	return e.listeners.Add(h)
}

// Open makes conversationId the open conversation and loads its newest page.
// The previous room is left and the new one joined before fetching, so that
// messages pushed while the fetch is in flight are not lost. If another
// conversation is opened before the fetch returns, the result is discarded
// and ErrStaleFetch is returned.
func (e *Engine) Open(ctx context.Context, conversationId int) error {
	e.mu.Lock()
	prev := e.active
	e.gen++
	gen := e.gen
	e.resetLocked(conversationId)
	e.loading = true
	e.mu.Unlock()

	if prev != 0 && prev != conversationId {
		e.rooms.LeaveConversation(prev)
	}
	e.rooms.JoinConversation(conversationId)
	e.changed()

	e.log.Debug().Int("conversation_id", conversationId).Int("previous", prev).Msg("opening conversation")
	page, err := e.api.GetConversation(ctx, conversationId, e.pageSize, 0)

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		e.log.Debug().Int("conversation_id", conversationId).Msg("discarding stale history page")
		return ErrStaleFetch
	}

	e.loading = false
	if err != nil {
		e.err = err
		e.failed = openFailed
		e.mu.Unlock()
		e.changed()
		return fmt.Errorf("fetch conversation %d: %w", conversationId, err)
	}

	msgs := reversed(page.Messages)
	e.timeline.Merge(msgs...)
	e.page = 0
	e.hasMore = len(page.Messages) == e.pageSize
	conv := page.Conversation
	e.conversation = &conv
	e.mu.Unlock()

	e.changed()
	e.acknowledge(ctx, gen, conversationId, msgs)
	return nil
}

// LoadOlder fetches the page before the oldest loaded one. It is a no-op
// while a fetch is running or once the start of the history is reached.
func (e *Engine) LoadOlder(ctx context.Context) error {
	e.mu.Lock()
	if e.active == 0 {
		e.mu.Unlock()
		return ErrNotOpen
	}
	if e.loading || !e.hasMore {
		e.mu.Unlock()
		return nil
	}

	e.loading = true
	gen := e.gen
	conversationId := e.active
	skip := (e.page + 1) * e.pageSize
	e.mu.Unlock()
	e.changed()

	e.log.Debug().Int("conversation_id", conversationId).Int("skip", skip).Msg("loading older messages")
	page, err := e.api.GetConversation(ctx, conversationId, e.pageSize, skip)

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return ErrStaleFetch
	}

	e.loading = false
	if err != nil {
		e.err = err
		e.failed = backfillFailed
		e.mu.Unlock()
		e.changed()
		return fmt.Errorf("fetch older messages of %d: %w", conversationId, err)
	}

	msgs := reversed(page.Messages)
	added := e.timeline.Merge(msgs...)
	e.page++
	e.hasMore = len(page.Messages) == e.pageSize
	e.err = nil
	e.failed = noFailure
	e.mu.Unlock()

	e.log.Debug().Int("conversation_id", conversationId).Int("added", added).Msg("merged older page")
	e.changed()
	e.acknowledge(ctx, gen, conversationId, msgs)
	return nil
}

// Retry repeats the fetch that last failed.
func (e *Engine) Retry(ctx context.Context) error {
	e.mu.Lock()
	conversationId := e.active
	failed := e.failed
	e.mu.Unlock()

	switch {
	case conversationId == 0:
		return ErrNotOpen
	case failed == openFailed:
		return e.Open(ctx, conversationId)
	case failed == backfillFailed:
		return e.LoadOlder(ctx)
	}
	return nil
}

// Resync merges the newest page into the open conversation without
// resetting it. It recovers messages pushed while the socket was down.
func (e *Engine) Resync(ctx context.Context) error {
	e.mu.Lock()
	conversationId := e.active
	gen := e.gen
	e.mu.Unlock()

	if conversationId == 0 {
		return ErrNotOpen
	}

	page, err := e.api.GetConversation(ctx, conversationId, e.pageSize, 0)
	if err != nil {
		return fmt.Errorf("resync conversation %d: %w", conversationId, err)
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return ErrStaleFetch
	}
	msgs := reversed(page.Messages)
	added := e.timeline.Merge(msgs...)
	e.mu.Unlock()

	e.log.Debug().Int("conversation_id", conversationId).Int("added", added).Msg("resynced conversation")
	e.changed()
	e.acknowledge(ctx, gen, conversationId, msgs)
	return nil
}

// Add merges a message the current user sent. The same message may also
// arrive over the socket; it is stored once.
func (e *Engine) Add(msg types.Message) {
	e.mu.Lock()
	if msg.ConversationId != e.active {
		e.mu.Unlock()
		return
	}
	e.timeline.Merge(msg)
	e.mu.Unlock()

	e.changed()
}

// HandleMessage applies a new_message push. Messages for other
// conversations are ignored here.
func (e *Engine) HandleMessage(msg types.Message) {
	e.mu.Lock()
	if msg.ConversationId != e.active {
		e.mu.Unlock()
		return
	}
	e.timeline.Merge(msg)
	gen := e.gen
	e.mu.Unlock()

	e.changed()

	if msg.SenderId != e.self {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
			defer cancel()
			e.acknowledge(ctx, gen, msg.ConversationId, []types.Message{msg})
		}()
	}
}

// HandleReceipt attaches a peer's read receipt to the open conversation.
func (e *Engine) HandleReceipt(r socket.Receipt) {
	e.mu.Lock()
	if r.ConversationId != e.active {
		e.mu.Unlock()
		return
	}
	changed := e.timeline.AddReceipt(r.UserId, r.MessageIds, e.clock.Now())
	e.mu.Unlock()

	if changed {
		e.changed()
	}
}

// HandleConnectionChange resyncs the open conversation after a reconnect.
func (e *Engine) HandleConnectionChange(change socket.ConnectionChange) {
	if !change.Connected {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()

		if err := e.Resync(ctx); err != nil && !errors.Is(err, ErrNotOpen) && !errors.Is(err, ErrStaleFetch) {
			e.log.Warn().Err(err).Msg("resync after reconnect")
		}
	}()
}

func (e *Engine) DeleteMessage(ctx context.Context, messageId int) error {
	if err := e.api.DeleteMessage(ctx, messageId); err != nil {
		return fmt.Errorf("delete message %d: %w", messageId, err)
	}

	e.mu.Lock()
	removed := e.timeline.Remove(messageId)
	e.mu.Unlock()

	if removed {
		e.changed()
	}
	return nil
}

// Close leaves the open conversation.
func (e *Engine) Close() {
	e.mu.Lock()
	prev := e.active
	e.gen++
	e.resetLocked(0)
	e.mu.Unlock()

	if prev != 0 {
		e.rooms.LeaveConversation(prev)
		e.changed()
	}
}

func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		ConversationId: e.active,
		Messages:       e.timeline.Messages(),
		HasMore:        e.hasMore,
		Loading:        e.loading,
		Err:            e.err,
	}
	if e.conversation != nil {
		conv := *e.conversation
		s.Conversation = &conv
	}
	return s
}

func (e *Engine) resetLocked(conversationId int) {
	e.active = conversationId
	e.conversation = nil
	e.timeline = NewTimeline()
	e.page = 0
	e.hasMore = false
	e.loading = false
	e.err = nil
	e.failed = noFailure
	e.acked = make(map[int]struct{})
}

// acknowledge sends one receipt batch for the messages of msgs not
// acknowledged before and records the current user's receipts locally.
func (e *Engine) acknowledge(ctx context.Context, gen uint64, conversationId int, msgs []types.Message) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	var pending []types.Message
	for _, m := range msgs {
		if _, ok := e.acked[m.Id]; ok {
			continue
		}
		e.acked[m.Id] = struct{}{}
		pending = append(pending, m)
	}
	e.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	ids, err := e.receipts.Acknowledge(ctx, conversationId, pending)
	if err != nil {
		// not persisted: the next open or resync acknowledges them again
		e.log.Warn().Err(err).Int("conversation_id", conversationId).Msg("acknowledge messages")
		e.mu.Lock()
		if gen == e.gen {
			for _, m := range pending {
				delete(e.acked, m.Id)
			}
		}
		e.mu.Unlock()
		return
	}
	if len(ids) == 0 {
		return
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	changed := e.timeline.AddReceipt(e.self, ids, e.clock.Now())
	e.mu.Unlock()

	if changed {
		e.changed()
	}
}

func (e *Engine) changed() {
	handlers := e.listeners.Snapshot()
	if len(handlers) == 0 {
		return
	}

	s := e.Snapshot()
	for _, h := range handlers {
		h(s)
	}
}
