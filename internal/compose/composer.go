package compose

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/npezzotti/cotai-messaging/internal/stats"
	"github.com/npezzotti/cotai-messaging/internal/types"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrSendInProgress = errors.New("a send is already in progress")
	ErrNoConversation = errors.New("no conversation selected")
)

// SendError reports a failed send. The draft it names is kept so the user
// can retry.
type SendError struct {
	DraftID uuid.UUID
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

type Sender interface {
	SendMessage(ctx context.Context, conversationId int, content string, files []types.Upload) (*types.Message, error)
}

// TypingNotifier receives every change of the input.
type TypingNotifier interface {
	Keystroke(conversationId int, content string)
	Stop(conversationId int)
}

// Sink receives messages once the server accepted them.
type Sink interface {
	Add(msg types.Message)
}

type KeyCode int

const (
	KeyOther KeyCode = iota
	KeyEnter
)

type Key struct {
	Code  KeyCode
	Shift bool
}

type Draft struct {
	ID             uuid.UUID
	ConversationId int
	Text           string
	Files          []types.Upload
}

// Empty reports whether there is nothing to send.
func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Text) == "" && len(d.Files) == 0
}

// Composer owns the draft of the open conversation and its send path.
type Composer struct {
	sender    Sender
	typing    TypingNotifier
	sink      Sink
	validator Validator
	stats     stats.StatsProvider
	log       zerolog.Logger

	mu      sync.Mutex
	draft   Draft
	rev     int // bumped on every edit of the draft
	sending bool
}

func NewComposer(sender Sender, typing TypingNotifier, sink Sink, v Validator, su stats.StatsProvider, logger zerolog.Logger) *Composer {
	if su == nil {
		su = stats.Discard
	}

	return &Composer{
		sender:    sender,
		typing:    typing,
		sink:      sink,
		validator: v,
		stats:     su,
		log:       logger.With().Str("component", "composer").Logger(),
		draft:     Draft{ID: uuid.New()},
	}
}

// SetConversation starts a fresh draft for conversationId, ending any
// typing burst in the previous conversation.
func (c *Composer) SetConversation(conversationId int) {
	c.mu.Lock()
	prev := c.draft.ConversationId
	if prev == conversationId {
		c.mu.Unlock()
		return
	}
	c.draft = Draft{ID: uuid.New(), ConversationId: conversationId}
	c.mu.Unlock()

	if prev != 0 {
		c.typing.Stop(prev)
	}
}

func (c *Composer) Draft() Draft {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.draft
	d.Files = slices.Clone(d.Files)
	return d
}

// SetText replaces the draft text.
func (c *Composer) SetText(text string) {
	c.mu.Lock()
	c.draft.Text = text
	c.rev++
	conversationId := c.draft.ConversationId
	c.mu.Unlock()

	if conversationId != 0 {
		c.typing.Keystroke(conversationId, text)
	}
}

// Attach validates f and adds it to the draft. A rejected file is never
// added.
func (c *Composer) Attach(f types.Upload) error {
	if err := c.validator.Validate(f); err != nil {
		c.log.Info().Err(err).Str("file", f.Name).Msg("attachment rejected")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft.Files = append(c.draft.Files, f)
	c.rev++
	return nil
}

// Detach removes the attachment at index i.
func (c *Composer) Detach(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i < 0 || i >= len(c.draft.Files) {
		return
	}
	c.draft.Files = slices.Delete(slices.Clone(c.draft.Files), i, i+1)
	c.rev++
}

// HandleKey submits on Enter and inserts a newline on Shift+Enter. It
// returns the sent message when the key caused a send.
func (c *Composer) HandleKey(ctx context.Context, k Key) (*types.Message, error) {
	if k.Code != KeyEnter {
		return nil, nil
	}

	if k.Shift {
		c.mu.Lock()
		text := c.draft.Text + "\n"
		c.mu.Unlock()

		c.SetText(text)
		return nil, nil
	}

	return c.Submit(ctx)
}

// Submit sends the draft. An empty draft returns ErrEmptyMessage and sends
// nothing. On success the draft is cleared and the message handed to the
// sink; on failure the draft is left untouched and a *SendError returned.
// Edits made while the send was in flight survive it under a new draft id.
func (c *Composer) Submit(ctx context.Context) (*types.Message, error) {
	c.mu.Lock()
	if c.draft.ConversationId == 0 {
		c.mu.Unlock()
		return nil, ErrNoConversation
	}
	if c.draft.Empty() {
		c.mu.Unlock()
		return nil, ErrEmptyMessage
	}
	if c.sending {
		c.mu.Unlock()
		return nil, ErrSendInProgress
	}
	c.sending = true
	d := c.draft
	d.Files = slices.Clone(d.Files)
	rev := c.rev
	c.mu.Unlock()

	c.typing.Stop(d.ConversationId)

	msg, err := c.sender.SendMessage(ctx, d.ConversationId, strings.TrimSpace(d.Text), d.Files)

	c.mu.Lock()
	c.sending = false
	if err != nil {
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("draft", d.ID.String()).Int("conversation_id", d.ConversationId).Msg("send failed")
		return nil, &SendError{DraftID: d.ID, Err: err}
	}
	if c.draft.ID == d.ID {
		if c.rev == rev {
			c.draft = Draft{ID: uuid.New(), ConversationId: d.ConversationId}
		} else {
			c.draft.ID = uuid.New()
		}
	}
	c.mu.Unlock()

	c.stats.Incr(stats.MessagesSent)
	c.log.Debug().Int("message_id", msg.Id).Int("conversation_id", d.ConversationId).Int("files", len(d.Files)).Msg("message sent")

	if c.sink != nil {
		c.sink.Add(*msg)
	}
	return msg, nil
}
