package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/cotai-messaging/internal/api"
	"github.com/npezzotti/cotai-messaging/internal/auth"
	"github.com/npezzotti/cotai-messaging/internal/clock"
	"github.com/npezzotti/cotai-messaging/internal/compose"
	"github.com/npezzotti/cotai-messaging/internal/config"
	"github.com/npezzotti/cotai-messaging/internal/conversation"
	"github.com/npezzotti/cotai-messaging/internal/presence"
	"github.com/npezzotti/cotai-messaging/internal/receipts"
	"github.com/npezzotti/cotai-messaging/internal/socket"
	"github.com/npezzotti/cotai-messaging/internal/stats"
	"github.com/npezzotti/cotai-messaging/internal/types"
	"github.com/rs/zerolog"
)

const renewTimeout = 15 * time.Second

type options struct {
	clock  clock.Clock
	dialer socket.Dialer
}

type Option func(o *options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithDialer(d socket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// Session is one signed-in user's messaging state: the socket, the open
// conversation, the inbox, typing indicators and the composer, wired to
// each other and to the REST client.
type Session struct {
	self   int
	api    *api.Client
	socket *socket.Manager
	typing *presence.Notifier
	peers  *presence.Tracker
	inbox  *conversation.Inbox
	engine *conversation.Engine
	comp   *compose.Composer
	log    zerolog.Logger

	started  atomic.Bool
	renewing atomic.Bool

	mu     sync.Mutex
	closed bool
	unsubs []func()
}

// New builds a session for the user whose credentials client holds. It
// returns auth.ErrNoCredentials when nobody is logged in.
func New(cfg *config.Config, client *api.Client, su stats.StatsProvider, logger zerolog.Logger, opts ...Option) (*Session, error) {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if su == nil {
		su = stats.Discard
	}

	token, err := client.AccessToken()
	if err != nil {
		return nil, err
	}
	claims, err := auth.ParseClaims(token)
	if err != nil {
		return nil, fmt.Errorf("read access token: %w", err)
	}

	log := logger.With().Int("user_id", claims.UserId).Logger()

	socketOpts := []socket.Option{socket.WithClock(o.clock)}
	if o.dialer != nil {
		socketOpts = append(socketOpts, socket.WithDialer(o.dialer))
	}
	mgr := socket.NewManager(socket.Config{
		URL:                  cfg.API.WsURL,
		BaseDelay:            cfg.Socket.BaseDelay,
		MaxDelay:             cfg.Socket.MaxDelay,
		MaxReconnectAttempts: cfg.Socket.MaxReconnectAttempts,
	}, log, su, socketOpts...)

	batcher := receipts.NewBatcher(claims.UserId, client, mgr, su, log)
	engine := conversation.NewEngine(claims.UserId, cfg.Messaging.PageSize, client, mgr, batcher, o.clock, log)
	inbox := conversation.NewInbox(claims.UserId, client, log)
	typing := presence.NewNotifier(mgr, o.clock, cfg.Messaging.TypingDebounce, log)
	peers := presence.NewTracker(claims.UserId, o.clock, cfg.Messaging.TypingDebounce, log)

	s := &Session{
		self:   claims.UserId,
		api:    client,
		socket: mgr,
		typing: typing,
		peers:  peers,
		inbox:  inbox,
		engine: engine,
		log:    log,
	}

	validator := compose.Validator{MaxSize: cfg.Attachments.MaxSize, AllowedTypes: cfg.Attachments.AllowedTypes}
	s.comp = compose.NewComposer(client, typing, sentSink{s}, validator, su, log)

	s.unsubs = append(s.unsubs,
		mgr.OnMessage(engine.HandleMessage),
		mgr.OnMessage(inbox.HandleMessage),
		mgr.OnTypingStatus(peers.HandleTyping),
		mgr.OnReadReceipt(engine.HandleReceipt),
		mgr.OnConnectionChange(peers.HandleConnectionChange),
		mgr.OnConnectionChange(engine.HandleConnectionChange),
		mgr.OnConnectionChange(s.handleConnectionChange),
	)
	client.OnSessionExpired(s.expired)

	return s, nil
}

// sentSink routes the server's copy of a sent message to the open
// conversation and the inbox preview.
type sentSink struct {
	s *Session
}

func (k sentSink) Add(msg types.Message) {
	k.s.engine.Add(msg)
	k.s.inbox.HandleMessage(msg)
}

func (s *Session) Self() int                          { return s.self }
func (s *Session) API() *api.Client                   { return s.api }
func (s *Session) Socket() *socket.Manager            { return s.socket }
func (s *Session) Engine() *conversation.Engine       { return s.engine }
func (s *Session) Inbox() *conversation.Inbox         { return s.inbox }
func (s *Session) Composer() *compose.Composer        { return s.comp }
func (s *Session) Presence() *presence.Tracker        { return s.peers }
func (s *Session) TypingNotifier() *presence.Notifier { return s.typing }

// Start connects the socket and loads the inbox. An expired access token
// is renewed before the handshake.
func (s *Session) Start(ctx context.Context) error {
	token, err := s.api.AccessToken()
	if err != nil {
		return err
	}

	if claims, err := auth.ParseClaims(token); err == nil && claims.Expired(time.Now()) {
		s.log.Debug().Msg("access token expired, renewing before connect")
		if _, err := s.api.Me(ctx); err != nil {
			return err
		}
		if token, err = s.api.AccessToken(); err != nil {
			return err
		}
	}

	if err := s.socket.Connect(ctx, token); err != nil && !errors.Is(err, socket.ErrSuperseded) {
		if errors.Is(err, socket.ErrUnauthorized) {
			return err
		}
		// transport failures are retried in the background
		s.log.Warn().Err(err).Msg("initial connect failed")
	}
	s.started.Store(true)

	if err := s.inbox.Refresh(ctx); err != nil {
		return fmt.Errorf("load inbox: %w", err)
	}

	return nil
}

// Open switches to conversationId: the draft, the inbox highlight and the
// synced history all follow.
func (s *Session) Open(ctx context.Context, conversationId int) error {
	s.comp.SetConversation(conversationId)
	s.inbox.SetActive(conversationId)

	return s.engine.Open(ctx, conversationId)
}

// CloseConversation leaves the open conversation.
func (s *Session) CloseConversation() {
	if id := s.engine.Active(); id != 0 {
		s.typing.Stop(id)
	}
	s.comp.SetConversation(0)
	s.inbox.SetActive(0)
	s.engine.Close()
}

func (s *Session) CreateConversation(ctx context.Context, params types.CreateConversationParams) (*types.Conversation, error) {
	conv, err := s.api.CreateConversation(ctx, params)
	if err != nil {
		return nil, err
	}

	s.inbox.Upsert(*conv)
	return conv, nil
}

func (s *Session) DeleteConversation(ctx context.Context, conversationId int) error {
	if err := s.api.DeleteConversation(ctx, conversationId); err != nil {
		return err
	}

	if s.engine.Active() == conversationId {
		s.CloseConversation()
	}
	s.inbox.Remove(conversationId)
	return nil
}

// Close tears the session down without touching the stored credentials.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.typing.StopAll()
	s.engine.Close()
	s.socket.Disconnect()
	for _, unsub := range unsubs {
		unsub()
	}
	s.peers.Reset()
}

// Logout ends every typing burst, drops the socket and its rooms, and
// signs out of the backend. Credentials are cleared even if the backend
// call fails.
func (s *Session) Logout(ctx context.Context) error {
	s.typing.StopAll()
	s.engine.Close()
	s.socket.Reset()
	s.peers.Reset()

	err := s.api.Logout(ctx)
	s.Close()
	return err
}

// handleConnectionChange renews the token when the server rejects the
// socket mid-session.
func (s *Session) handleConnectionChange(change socket.ConnectionChange) {
	if change.Connected || !errors.Is(change.Err, socket.ErrUnauthorized) || !s.started.Load() {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
		defer cancel()

		if err := s.reconnectWithFreshToken(ctx); err != nil {
			s.log.Warn().Err(err).Msg("socket re-authentication failed")
		}
	}()
}

// reconnectWithFreshToken forces a token refresh through the REST client
// and reconnects. It gives up when the refresh did not change the token,
// so a rejected socket cannot loop.
func (s *Session) reconnectWithFreshToken(ctx context.Context) error {
	if !s.renewing.CompareAndSwap(false, true) {
		return nil
	}
	defer s.renewing.Store(false)

	old, err := s.api.AccessToken()
	if err != nil {
		return err
	}
	if _, err := s.api.Me(ctx); err != nil {
		return err
	}

	token, err := s.api.AccessToken()
	if err != nil {
		return err
	}
	if token == old {
		return fmt.Errorf("%w: access token still valid for REST", socket.ErrUnauthorized)
	}

	s.log.Info().Msg("reconnecting with renewed token")
	return s.socket.Connect(ctx, token)
}

func (s *Session) expired() {
	s.log.Warn().Msg("session expired, disconnecting")
	s.started.Store(false)
	s.socket.Reset()
	s.peers.Reset()
}
