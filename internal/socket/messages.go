package socket

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/npezzotti/cotai-messaging/internal/types"
)

type FrameType string

const (
	JoinConversation  FrameType = "join_conversation"
	LeaveConversation FrameType = "leave_conversation"
	TypingStatus      FrameType = "typing_status"
	ReadReceipt       FrameType = "read_receipt"
	NewMessage        FrameType = "new_message"
)

// Frame is the envelope of every message exchanged over the socket.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Join struct {
	ConversationId int `json:"conversation_id"`
}

type Leave struct {
	ConversationId int `json:"conversation_id"`
}

// Typing is sent without UserId; the server fills it in when fanning out.
type Typing struct {
	UserId         int  `json:"user_id,omitempty"`
	ConversationId int  `json:"conversation_id"`
	IsTyping       bool `json:"is_typing"`
}

type Receipt struct {
	UserId         int   `json:"user_id,omitempty"`
	ConversationId int   `json:"conversation_id"`
	MessageIds     []int `json:"message_ids"`
}

type MessageEvent struct {
	Message        types.Message `json:"message"`
	ConversationId int           `json:"conversation_id,omitempty"`
}

var errMalformedFrame = errors.New("malformed frame")

func encodeFrame(frameType FrameType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", frameType, err)
	}

	return json.Marshal(Frame{Type: frameType, Payload: raw})
}

func decodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	if f.Type == "" {
		return f, fmt.Errorf("%w: missing type", errMalformedFrame)
	}
	if len(f.Payload) == 0 || string(f.Payload) == "null" {
		return f, fmt.Errorf("%w: missing payload for %s", errMalformedFrame, f.Type)
	}

	return f, nil
}

func decodeMessageEvent(payload json.RawMessage) (types.Message, error) {
	var ev MessageEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return types.Message{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	if ev.Message.Id == 0 {
		return types.Message{}, fmt.Errorf("%w: message without id", errMalformedFrame)
	}
	if ev.Message.ConversationId == 0 {
		ev.Message.ConversationId = ev.ConversationId
	}
	if ev.Message.ConversationId == 0 {
		return types.Message{}, fmt.Errorf("%w: message without conversation", errMalformedFrame)
	}
	if ev.Message.Sender.Id == 0 {
		ev.Message.Sender.Id = ev.Message.SenderId
	}

	return ev.Message, nil
}

func decodeTyping(payload json.RawMessage) (Typing, error) {
	var t Typing
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	if t.ConversationId == 0 || t.UserId == 0 {
		return t, fmt.Errorf("%w: typing status without conversation or user", errMalformedFrame)
	}

	return t, nil
}

func decodeReceipt(payload json.RawMessage) (Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(payload, &r); err != nil {
		return r, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	if r.ConversationId == 0 || r.UserId == 0 || len(r.MessageIds) == 0 {
		return r, fmt.Errorf("%w: incomplete read receipt", errMalformedFrame)
	}

	return r, nil
}
