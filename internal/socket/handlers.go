package socket

import "github.com/npezzotti/cotai-messaging/internal/types"

type (
	MessageHandler    func(msg types.Message)
	TypingHandler     func(t Typing)
	ReceiptHandler    func(r Receipt)
	ConnectionHandler func(change ConnectionChange)
)

// ConnectionChange is delivered to connection handlers. Err explains a
// disconnect when there is something to explain.
type ConnectionChange struct {
	Connected bool
	Err       error
}
