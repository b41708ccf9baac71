package socket

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_encodeFrame(t *testing.T) {
	raw, err := encodeFrame(TypingStatus, Typing{ConversationId: 7, IsTyping: true})
	assert.NoError(t, err, "expected no error encoding frame")
	assert.JSONEq(t, `{"type":"typing_status","payload":{"conversation_id":7,"is_typing":true}}`, string(raw),
		"expected typing frame without user id")

	raw, err = encodeFrame(ReadReceipt, Receipt{ConversationId: 7, MessageIds: []int{3, 4}})
	assert.NoError(t, err, "expected no error encoding frame")
	assert.JSONEq(t, `{"type":"read_receipt","payload":{"conversation_id":7,"message_ids":[3,4]}}`, string(raw))
}

func Test_decodeFrame(t *testing.T) {
	tcases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "valid frame", raw: `{"type":"typing_status","payload":{"user_id":1}}`},
		{name: "not json", raw: `hello`, wantErr: true},
		{name: "missing type", raw: `{"payload":{}}`, wantErr: true},
		{name: "missing payload", raw: `{"type":"new_message"}`, wantErr: true},
		{name: "null payload", raw: `{"type":"new_message","payload":null}`, wantErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeFrame([]byte(tc.raw))
			if tc.wantErr {
				assert.ErrorIs(t, err, errMalformedFrame, "expected malformed frame error")
			} else {
				assert.NoError(t, err, "expected frame to decode")
			}
		})
	}
}

func Test_decodeMessageEvent(t *testing.T) {
	t.Run("conversation id from envelope", func(t *testing.T) {
		payload := json.RawMessage(`{"conversation_id":9,"message":{"id":4,"sender_id":2,"content":"hi"}}`)

		msg, err := decodeMessageEvent(payload)
		assert.NoError(t, err, "expected message to decode")
		assert.Equal(t, 4, msg.Id)
		assert.Equal(t, 9, msg.ConversationId, "expected conversation id to be filled from the envelope")
		assert.Equal(t, 2, msg.Sender.Id, "expected sender id to be copied to sender")
	})

	tcases := []struct {
		name    string
		payload string
	}{
		{name: "missing id", payload: `{"message":{"conversation_id":9}}`},
		{name: "missing conversation", payload: `{"message":{"id":4}}`},
		{name: "wrong shape", payload: `{"message":"text"}`},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeMessageEvent(json.RawMessage(tc.payload))
			assert.ErrorIs(t, err, errMalformedFrame)
		})
	}
}

func Test_decodeTypingAndReceipt(t *testing.T) {
	typing, err := decodeTyping(json.RawMessage(`{"user_id":2,"conversation_id":7,"is_typing":true}`))
	assert.NoError(t, err)
	assert.Equal(t, Typing{UserId: 2, ConversationId: 7, IsTyping: true}, typing)

	_, err = decodeTyping(json.RawMessage(`{"conversation_id":7,"is_typing":true}`))
	assert.ErrorIs(t, err, errMalformedFrame, "expected typing status without user to be rejected")

	receipt, err := decodeReceipt(json.RawMessage(`{"user_id":2,"conversation_id":7,"message_ids":[1,2]}`))
	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2}, receipt.MessageIds)

	_, err = decodeReceipt(json.RawMessage(`{"user_id":2,"conversation_id":7,"message_ids":[]}`))
	assert.ErrorIs(t, err, errMalformedFrame, "expected receipt without messages to be rejected")
}
