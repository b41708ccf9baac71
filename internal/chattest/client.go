package chattest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// client is one socket connection of a signed-in user.
type client struct {
	conn   *websocket.Conn
	srv    *Server
	log    zerolog.Logger
	userId int
	send   chan []byte

	stopOnce sync.Once
	stop     chan struct{}
}

func newClient(userId int, conn *websocket.Conn, srv *Server) *client {
	return &client{
		conn:   conn,
		srv:    srv,
		log:    srv.log.With().Int("user_id", userId).Logger(),
		userId: userId,
		send:   make(chan []byte, 256),
		stop:   make(chan struct{}),
	}
}

func (c *client) write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw := <-c.send:
			if !c.sendMessage(websocket.TextMessage, raw) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *client) read() {
	defer func() {
		c.conn.Close()
		select {
		case c.srv.hub.deregister <- c:
		case <-c.srv.hub.done:
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Type == "" {
			c.log.Warn().Str("frame", string(raw)).Msg("invalid frame")
			continue
		}
		f.UserId = c.userId
		c.srv.record(f)
		c.handle(f)
	}
}

type roomPayload struct {
	ConversationId int `json:"conversation_id"`
}

type typingPayload struct {
	UserId         int  `json:"user_id"`
	ConversationId int  `json:"conversation_id"`
	IsTyping       bool `json:"is_typing"`
}

type receiptPayload struct {
	UserId         int   `json:"user_id"`
	ConversationId int   `json:"conversation_id"`
	MessageIds     []int `json:"message_ids"`
}

func (c *client) handle(f Frame) {
	switch f.Type {
	case joinConversation:
		var p roomPayload
		if json.Unmarshal(f.Payload, &p) != nil || !c.srv.store.isMember(c.userId, p.ConversationId) {
			c.log.Warn().Int("conversation_id", p.ConversationId).Msg("join refused")
			return
		}
		c.srv.hub.enqueue(c.srv.hub.join, roomReq{client: c, conversationId: p.ConversationId})
	case leaveConversation:
		var p roomPayload
		if json.Unmarshal(f.Payload, &p) == nil {
			c.srv.hub.enqueue(c.srv.hub.leave, roomReq{client: c, conversationId: p.ConversationId})
		}
	case typingStatus:
		var p typingPayload
		if json.Unmarshal(f.Payload, &p) != nil || !c.srv.store.isMember(c.userId, p.ConversationId) {
			return
		}
		p.UserId = c.userId
		c.srv.hub.publish(p.ConversationId, c.userId, typingStatus, p)
	case readReceipt:
		var p receiptPayload
		if json.Unmarshal(f.Payload, &p) != nil {
			return
		}
		c.srv.markRead(c.userId, p.MessageIds)
	default:
		c.log.Warn().Str("type", f.Type).Msg("unknown frame type")
	}
}

func (c *client) queue(raw []byte) bool {
	select {
	case c.send <- raw:
		return true
	default:
		c.log.Warn().Msg("send buffer full, dropping frame")
		return false
	}
}

func (c *client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			c.log.Debug().Err(err).Msg("write")
		}
		return false
	}
	return true
}

// kick closes the connection with the given close code.
func (c *client) kick(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.conn.Close()
}

func (c *client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}
