package chattest

import (
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, s *Server, token string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(s.WsURL+"?token="+url.QueryEscape(token), nil)
	require.NoError(t, err, "expected socket to connect")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()

	raw, err := encode(frameType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err, "expected a frame")

	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func TestServerRejectsInvalidToken(t *testing.T) {
	s := NewServer()
	t.Cleanup(s.Close)

	_, resp, err := websocket.DefaultDialer.Dial(s.WsURL+"?token=garbage", nil)
	assert.Error(t, err)
	if assert.NotNil(t, resp) {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestServerRoomBroadcast(t *testing.T) {
	s := NewServer()
	t.Cleanup(s.Close)

	ana := s.AddUser("ana", "ana@example.com", "secret")
	ben := s.AddUser("ben", "ben@example.com", "secret")
	eve := s.AddUser("eve", "eve@example.com", "secret")
	conv := s.CreateConversation(ana.Id, "", ben.Id)

	anaConn := dial(t, s, s.Tokens(ana.Id).AccessToken)
	benConn := dial(t, s, s.Tokens(ben.Id).AccessToken)
	eveConn := dial(t, s, s.Tokens(eve.Id).AccessToken)

	for _, c := range []*websocket.Conn{anaConn, benConn, eveConn} {
		sendFrame(t, c, joinConversation, roomPayload{ConversationId: conv.Id})
	}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{ana.Id, ben.Id}, s.Joined(conv.Id))
	}, 2*time.Second, 10*time.Millisecond, "expected only members in the room")

	sendFrame(t, anaConn, typingStatus, typingPayload{UserId: 99, ConversationId: conv.Id, IsTyping: true})

	f := readFrame(t, benConn)
	assert.Equal(t, typingStatus, f.Type)
	var typing typingPayload
	require.NoError(t, json.Unmarshal(f.Payload, &typing))
	assert.Equal(t, ana.Id, typing.UserId, "expected the sender id from the connection")

	m := s.PostMessage(ben.Id, conv.Id, "hi")

	f = readFrame(t, anaConn)
	assert.Equal(t, newMessage, f.Type)
	var event struct {
		ConversationId int `json:"conversation_id"`
		Message        struct {
			Id int `json:"id"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &event))
	assert.Equal(t, conv.Id, event.ConversationId)
	assert.Equal(t, m.Id, event.Message.Id)

	sendFrame(t, anaConn, readReceipt, receiptPayload{ConversationId: conv.Id, MessageIds: []int{m.Id}})

	// ben gets no echo of his own message; the receipt is the next frame
	f = readFrame(t, benConn)
	assert.Equal(t, readReceipt, f.Type)
	assert.Zero(t, s.store.unreadCount(ana.Id, conv.Id))
}

func TestServerHistoryPaging(t *testing.T) {
	s := NewServer()
	t.Cleanup(s.Close)

	ana := s.AddUser("ana", "ana@example.com", "secret")
	conv := s.CreateConversation(ana.Id, "notes")

	var ids []int
	for range 5 {
		ids = append(ids, s.PostMessage(ana.Id, conv.Id, "note").Id)
	}

	first, err := s.store.history(ana.Id, conv.Id, 0, 2)
	require.NoError(t, err)
	second, err := s.store.history(ana.Id, conv.Id, 2, 2)
	require.NoError(t, err)
	last, err := s.store.history(ana.Id, conv.Id, 4, 2)
	require.NoError(t, err)

	assert.Equal(t, ids[4], first.Messages[0].Id, "expected newest first")
	assert.Equal(t, ids[2], second.Messages[0].Id)
	assert.Len(t, last.Messages, 1)

	_, err = s.store.history(ana.Id+100, conv.Id, 0, 2)
	assert.ErrorIs(t, err, errForbidden)
}
