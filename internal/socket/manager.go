package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/cotai-messaging/internal/clock"
	"github.com/npezzotti/cotai-messaging/internal/notify"
	"github.com/npezzotti/cotai-messaging/internal/stats"
	"github.com/rs/zerolog"
)

const handshakeTimeout = 15 * time.Second

var (
	ErrUnauthorized       = errors.New("socket authentication rejected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrSuperseded         = errors.New("connection attempt superseded")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Config struct {
	URL       string
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxReconnectAttempts bounds consecutive automatic retries. Zero
	// retries forever at MaxDelay.
	MaxReconnectAttempts int
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Option func(m *Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// Manager owns the single socket connection of a session: the handshake,
// automatic reconnection and dispatch of inbound frames to handlers.
type Manager struct {
	cfg    Config
	log    zerolog.Logger
	stats  stats.StatsProvider
	dialer Dialer
	clock  clock.Clock

	mu       sync.Mutex
	state    State
	token    string
	conn     *conn
	gen      uint64
	attempts int
	retry    clock.Timer
	rooms    map[int]struct{}

	messageHandlers    notify.Registry[MessageHandler]
	typingHandlers     notify.Registry[TypingHandler]
	receiptHandlers    notify.Registry[ReceiptHandler]
	connectionHandlers notify.Registry[ConnectionHandler]
}

func NewManager(cfg Config, logger zerolog.Logger, su stats.StatsProvider, opts ...Option) *Manager {
	if su == nil {
		su = stats.Discard
	}

	m := &Manager{
		cfg:   cfg,
		log:   logger.With().Str("component", "socket").Logger(),
		stats: su,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		clock: clock.New(),
		rooms: make(map[int]struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Rooms returns the joined conversation ids in ascending order.
func (m *Manager) Rooms() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomsLocked()
}

// Connect opens the connection authenticated by token. An existing
// connection is closed first without triggering a reconnect. A rejected
// handshake returns ErrUnauthorized and is not retried; other failures are
// returned and retried automatically.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	old := m.conn
	m.conn = nil
	m.stopRetryLocked()
	m.gen++
	gen := m.gen
	m.token = token
	m.attempts = 0
	m.state = StateConnecting
	m.mu.Unlock()

	if old != nil {
		m.log.Debug().Msg("replacing existing connection")
		old.shutdown()
	}

	return m.dial(ctx, gen, false)
}

// Disconnect closes the connection and cancels any pending reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopRetryLocked()
	c := m.conn
	m.conn = nil
	prev := m.state
	m.state = StateDisconnected
	m.mu.Unlock()

	if c != nil {
		c.shutdown()
		<-c.done
	}

	if prev != StateDisconnected {
		m.log.Info().Msg("disconnected")
		m.notifyConnection(ConnectionChange{Connected: false})
	}
}

// Reset disconnects and forgets the joined rooms and token, for logout.
func (m *Manager) Reset() {
	m.Disconnect()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = make(map[int]struct{})
	m.token = ""
	m.attempts = 0
}

// JoinConversation adds id to the joined rooms and tells the server. The
// room is re-joined after every reconnect until it is left.
func (m *Manager) JoinConversation(id int) bool {
	m.mu.Lock()
	m.rooms[id] = struct{}{}
	m.mu.Unlock()

	return m.Send(JoinConversation, Join{ConversationId: id})
}

func (m *Manager) LeaveConversation(id int) bool {
	m.mu.Lock()
	delete(m.rooms, id)
	m.mu.Unlock()

	return m.Send(LeaveConversation, Leave{ConversationId: id})
}

// Send queues a frame. It reports false, without error, if the connection
// is not up or the frame could not be queued; delivery is never guaranteed.
func (m *Manager) Send(frameType FrameType, payload any) bool {
	m.mu.Lock()
	c := m.conn
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || c == nil {
		m.log.Warn().Str("frame_type", string(frameType)).Str("state", state.String()).Msg("dropping frame, not connected")
		return false
	}

	raw, err := encodeFrame(frameType, payload)
	if err != nil {
		m.log.Error().Err(err).Msg("encode frame")
		return false
	}

	if !c.queue(raw) {
		return false
	}

	m.stats.Incr(stats.FramesSent)
	return true
}

func (m *Manager) OnMessage(h MessageHandler) func() {
	return m.messageHandlers.Add(h)
}

func (m *Manager) OnTypingStatus(h TypingHandler) func() {
	return m.typingHandlers.Add(h)
}

func (m *Manager) OnReadReceipt(h ReceiptHandler) func() {
	return m.receiptHandlers.Add(h)
}

func (m *Manager) OnConnectionChange(h ConnectionHandler) func() {
	return m.connectionHandlers.Add(h)
}

func (m *Manager) dial(ctx context.Context, gen uint64, reconnect bool) error {
	m.mu.Lock()
	target, err := m.urlLocked()
	m.mu.Unlock()
	if err != nil {
		m.mu.Lock()
		if gen == m.gen {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		return err
	}

	ws, resp, err := m.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return ErrSuperseded
	}

	if err != nil {
		m.state = StateDisconnected

		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			m.mu.Unlock()
			m.log.Warn().Int("status", resp.StatusCode).Msg("socket handshake rejected")
			err = fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
			m.notifyConnection(ConnectionChange{Connected: false, Err: err})
			return err
		}

		scheduled := m.scheduleReconnectLocked()
		m.mu.Unlock()

		m.log.Warn().Err(err).Bool("retrying", scheduled).Msg("dial failed")
		err = fmt.Errorf("dial: %w", err)
		if !scheduled {
			m.notifyConnection(ConnectionChange{Connected: false, Err: fmt.Errorf("%w: %v", ErrReconnectExhausted, err)})
		} else if !reconnect {
			m.notifyConnection(ConnectionChange{Connected: false, Err: err})
		}
		return err
	}

	c := newConn(ws, gen, m.log)
	m.conn = c
	m.state = StateConnected
	m.attempts = 0
	rooms := m.roomsLocked()
	m.mu.Unlock()

	go c.write()

	for _, id := range rooms {
		if raw, err := encodeFrame(JoinConversation, Join{ConversationId: id}); err == nil {
			c.queue(raw)
		}
	}

	if reconnect {
		m.stats.Incr(stats.Reconnects)
	}
	m.log.Info().Bool("reconnect", reconnect).Ints("rooms", rooms).Msg("connected")
	m.notifyConnection(ConnectionChange{Connected: true})

	go func() {
		err := c.read(m.dispatch)
		m.handleClose(c, err)
	}()

	return nil
}

func (m *Manager) handleClose(c *conn, err error) {
	m.mu.Lock()
	if c.gen != m.gen || m.conn != c {
		m.mu.Unlock()
		return
	}

	m.conn = nil
	m.state = StateDisconnected

	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		m.mu.Unlock()
		err = fmt.Errorf("%w: %v", ErrUnauthorized, err)
		m.log.Warn().Err(err).Msg("server closed connection for policy violation")
		m.notifyConnection(ConnectionChange{Connected: false, Err: err})
		return
	}

	scheduled := m.scheduleReconnectLocked()
	m.mu.Unlock()

	m.log.Warn().Err(err).Bool("retrying", scheduled).Msg("connection lost")
	if !scheduled {
		err = fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
	}
	m.notifyConnection(ConnectionChange{Connected: false, Err: err})
}

// scheduleReconnectLocked arms the retry timer for the current attempt and
// reports whether a retry was scheduled.
func (m *Manager) scheduleReconnectLocked() bool {
	if m.token == "" {
		return false
	}
	if m.cfg.MaxReconnectAttempts > 0 && m.attempts >= m.cfg.MaxReconnectAttempts {
		m.log.Error().Int("attempts", m.attempts).Msg("giving up on reconnect")
		return false
	}

	delay := backoffDelay(m.cfg.BaseDelay, m.cfg.MaxDelay, m.attempts)
	m.attempts++
	gen := m.gen

	m.log.Info().Int("attempt", m.attempts).Dur("delay", delay).Msg("scheduling reconnect")
	m.retry = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
	return true
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.gen++
	next := m.gen
	m.state = StateConnecting
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	m.dial(ctx, next, true)
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) urlLocked() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}

	q := u.Query()
	q.Set("token", m.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) roomsLocked() []int {
	ids := make([]int, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Manager) dispatch(raw []byte) {
	m.stats.Incr(stats.FramesReceived)

	f, err := decodeFrame(raw)
	if err != nil {
		m.drop(err, raw)
		return
	}

	switch f.Type {
	case NewMessage:
		msg, err := decodeMessageEvent(f.Payload)
		if err != nil {
			m.drop(err, raw)
			return
		}
		for _, h := range m.messageHandlers.Snapshot() {
			m.safeCall(f.Type, func() { h(msg) })
		}
	case TypingStatus:
		t, err := decodeTyping(f.Payload)
		if err != nil {
			m.drop(err, raw)
			return
		}
		for _, h := range m.typingHandlers.Snapshot() {
			m.safeCall(f.Type, func() { h(t) })
		}
	case ReadReceipt:
		r, err := decodeReceipt(f.Payload)
		if err != nil {
			m.drop(err, raw)
			return
		}
		for _, h := range m.receiptHandlers.Snapshot() {
			m.safeCall(f.Type, func() { h(r) })
		}
	default:
		m.drop(fmt.Errorf("%w: unknown type %q", errMalformedFrame, f.Type), raw)
	}
}

func (m *Manager) drop(err error, raw []byte) {
	m.stats.Incr(stats.FramesDropped)
	m.log.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping inbound frame")
}

func (m *Manager) notifyConnection(change ConnectionChange) {
	for _, h := range m.connectionHandlers.Snapshot() {
		m.safeCall("connection_change", func() { h(change) })
	}
}

// safeCall keeps one failing handler from taking down the reader.
func (m *Manager) safeCall(kind FrameType, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("frame_type", string(kind)).Interface("panic", r).Msg("handler panicked")
		}
	}()
	fn()
}

// HasToken reports whether a token is available for reconnects.
func (m *Manager) HasToken() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != ""
}
