package conversation

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/npezzotti/cotai-messaging/internal/notify"
	"github.com/npezzotti/cotai-messaging/internal/types"
	"github.com/rs/zerolog"
)

const inboxPageSize = 20

type Lister interface {
	ListConversations(ctx context.Context, skip, limit int) ([]types.Conversation, error)
	UnreadCount(ctx context.Context, conversationId int) (int, error)
}

type InboxEntry struct {
	Conversation types.Conversation
	Unread       int
}

// Inbox is the conversation list: previews of the last message and unread
// counters, kept current by live pushes between refreshes.
type Inbox struct {
	self int
	api  Lister
	log  zerolog.Logger

	mu      sync.Mutex
	entries map[int]*InboxEntry
	active  int

	listeners notify.Registry[func([]InboxEntry)]
}

func NewInbox(self int, api Lister, logger zerolog.Logger) *Inbox {
	return &Inbox{
		self:    self,
		api:     api,
		log:     logger.With().Str("component", "inbox").Logger(),
		entries: make(map[int]*InboxEntry),
	}
}

func (in *Inbox) OnChange(h func([]InboxEntry)) func() {
	return in.listeners.Add(h)
}

// Refresh reloads every conversation and its unread counter.
func (in *Inbox) Refresh(ctx context.Context) error {
	var convs []types.Conversation
	for skip := 0; ; skip += inboxPageSize {
		page, err := in.api.ListConversations(ctx, skip, inboxPageSize)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		convs = append(convs, page...)
		if len(page) < inboxPageSize {
			break
		}
	}

	entries := make(map[int]*InboxEntry, len(convs))
	for _, c := range convs {
		unread, err := in.api.UnreadCount(ctx, c.Id)
		if err != nil {
			return fmt.Errorf("unread count of %d: %w", c.Id, err)
		}
		entries[c.Id] = &InboxEntry{Conversation: c, Unread: unread}
	}

	in.mu.Lock()
	if e, ok := entries[in.active]; ok {
		e.Unread = 0
	}
	in.entries = entries
	in.mu.Unlock()

	in.log.Debug().Int("conversations", len(convs)).Msg("inbox refreshed")
	in.changed()
	return nil
}

// SetActive marks conversationId as open; its unread counter stays at zero.
func (in *Inbox) SetActive(conversationId int) {
	in.mu.Lock()
	in.active = conversationId
	e, ok := in.entries[conversationId]
	changed := ok && e.Unread != 0
	if changed {
		e.Unread = 0
	}
	in.mu.Unlock()

	if changed {
		in.changed()
	}
}

// HandleMessage updates the preview of the message's conversation and, for
// messages from others outside the open conversation, its unread counter.
func (in *Inbox) HandleMessage(msg types.Message) {
	in.mu.Lock()
	e, ok := in.entries[msg.ConversationId]
	if !ok {
		e = &InboxEntry{Conversation: types.Conversation{Id: msg.ConversationId}}
		in.entries[msg.ConversationId] = e
	}

	if last := e.Conversation.LastMessage; last == nil || !msg.CreatedAt.Before(last.CreatedAt) {
		m := msg
		e.Conversation.LastMessage = &m
	}
	if msg.SenderId != in.self && msg.ConversationId != in.active {
		e.Unread++
	}
	in.mu.Unlock()

	in.changed()
}

// Remove drops a conversation, after it was deleted.
func (in *Inbox) Remove(conversationId int) {
	in.mu.Lock()
	_, ok := in.entries[conversationId]
	delete(in.entries, conversationId)
	in.mu.Unlock()

	if ok {
		in.changed()
	}
}

// Upsert stores a conversation returned by a create or update call.
func (in *Inbox) Upsert(c types.Conversation) {
	in.mu.Lock()
	e, ok := in.entries[c.Id]
	if !ok {
		e = &InboxEntry{}
		in.entries[c.Id] = e
	}
	if c.LastMessage == nil {
		c.LastMessage = e.Conversation.LastMessage
	}
	e.Conversation = c
	in.mu.Unlock()

	in.changed()
}

// Entries returns the conversations, most recently active first.
func (in *Inbox) Entries() []InboxEntry {
	in.mu.Lock()
	defer in.mu.Unlock()

	out := make([]InboxEntry, 0, len(in.entries))
	for _, e := range in.entries {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b InboxEntry) int {
		if c := b.Conversation.LastActivity().Compare(a.Conversation.LastActivity()); c != 0 {
			return c
		}
		return b.Conversation.Id - a.Conversation.Id
	})
	return out
}

func (in *Inbox) TotalUnread() int {
	in.mu.Lock()
	defer in.mu.Unlock()

	total := 0
	for _, e := range in.entries {
		total += e.Unread
	}
	return total
}

func (in *Inbox) changed() {
	handlers := in.listeners.Snapshot()
	if len(handlers) == 0 {
		return
	}

	entries := in.Entries()
	for _, h := range handlers {
		h(entries)
	}
}
