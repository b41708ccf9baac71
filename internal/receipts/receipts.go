package receipts

import (
	"context"
	"fmt"

	"github.com/npezzotti/cotai-messaging/internal/socket"
	"github.com/npezzotti/cotai-messaging/internal/stats"
	"github.com/npezzotti/cotai-messaging/internal/types"
	"github.com/rs/zerolog"
)

// Marker persists read receipts over REST.
type Marker interface {
	MarkRead(ctx context.Context, messageIds []int) error
}

type FrameSender interface {
	Send(frameType socket.FrameType, payload any) bool
}

// Batcher acknowledges messages the current user has seen. Each batch goes
// out twice, once over REST and once over the socket, and the server must
// treat the duplicate as a no-op.
type Batcher struct {
	self   int
	marker Marker
	sender FrameSender
	stats  stats.StatsProvider
	log    zerolog.Logger
}

func NewBatcher(self int, marker Marker, sender FrameSender, su stats.StatsProvider, logger zerolog.Logger) *Batcher {
	if su == nil {
		su = stats.Discard
	}

	return &Batcher{
		self:   self,
		marker: marker,
		sender: sender,
		stats:  su,
		log:    logger.With().Str("component", "receipts").Logger(),
	}
}

// Unread returns the ids of msgs that were sent by someone else and that
// the current user has not read yet, in input order.
func Unread(self int, msgs []types.Message) []int {
	var ids []int
	for _, m := range msgs {
		if m.SenderId == self || m.IsRead || m.ReadBy(self) {
			continue
		}
		ids = append(ids, m.Id)
	}
	return ids
}

// Acknowledge sends one receipt batch covering every unread message in msgs
// and returns the acknowledged ids. Nothing is sent when there is nothing to
// acknowledge. The socket frame is sent even if the REST call fails.
func (b *Batcher) Acknowledge(ctx context.Context, conversationId int, msgs []types.Message) ([]int, error) {
	ids := Unread(b.self, msgs)
	if len(ids) == 0 {
		return nil, nil
	}

	restErr := b.marker.MarkRead(ctx, ids)
	sent := b.sender.Send(socket.ReadReceipt, socket.Receipt{ConversationId: conversationId, MessageIds: ids})

	b.stats.Incr(stats.ReceiptsSent)
	b.log.Debug().
		Int("conversation_id", conversationId).
		Ints("message_ids", ids).
		Bool("frame_sent", sent).
		AnErr("rest_error", restErr).
		Msg("acknowledged messages")

	if restErr != nil {
		return ids, fmt.Errorf("mark read: %w", restErr)
	}
	return ids, nil
}
