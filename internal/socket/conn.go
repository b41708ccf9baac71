package socket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 256
)

// conn is one live transport connection. A new conn is created for every
// successful dial; gen ties it to the manager generation that created it.
type conn struct {
	ws       *websocket.Conn
	gen      uint64
	log      zerolog.Logger
	send     chan []byte
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newConn(ws *websocket.Conn, gen uint64, logger zerolog.Logger) *conn {
	return &conn{
		ws:   ws,
		gen:  gen,
		log:  logger.With().Uint64("conn", gen).Logger(),
		send: make(chan []byte, sendBufferSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (c *conn) write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.done)
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.writeMessage(websocket.TextMessage, msg) {
				return
			}
		case <-c.stop:
			c.flush()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// read delivers every inbound text frame to dispatch, in arrival order, and
// returns the error that ended the connection.
func (c *conn) read(dispatch func(raw []byte)) error {
	defer c.log.Debug().Msg("read exiting")

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })
	c.ws.SetPingHandler(func(appData string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws read")
			}
			c.shutdown()
			return err
		}
		if msgType != websocket.TextMessage {
			c.log.Debug().Int("type", msgType).Msg("ignoring non-text frame")
			continue
		}

		dispatch(raw)
	}
}

func (c *conn) queue(raw []byte) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- raw:
	default:
		c.log.Warn().Msg("failed to queue frame, send buffer is full")
		return false
	}

	return true
}

func (c *conn) writeMessage(msgType int, msg []byte) bool {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.ws.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

// flush writes whatever is still buffered so frames queued just before a
// clean disconnect, such as a leave, reach the server.
func (c *conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if !c.writeMessage(websocket.TextMessage, msg) {
				return
			}
		default:
			return
		}
	}
}

// shutdown stops the writer, which sends a normal closure frame and closes
// the underlying connection.
func (c *conn) shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}
