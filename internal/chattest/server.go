// Package chattest runs an in-process messaging backend for tests: the REST
// API under /api and the conversation socket at /api/messages/ws.
package chattest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/cotai-messaging/internal/types"
	"github.com/rs/zerolog"
)

const (
	apiPrefix     = "/api"
	accessExpiry  = 30 * time.Minute
	refreshExpiry = 7 * 24 * time.Hour

	subClaim  = "sub"
	expClaim  = "exp"
	typeClaim = "type"
	jtiClaim  = "jti"
)

type contextKey string

const userIdKey contextKey = "user-id"

type Option func(s *Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.log = logger }
}

// WithSenderEcho also delivers new_message frames to the sender's own
// connections.
func WithSenderEcho() Option {
	return func(s *Server) { s.echo = true }
}

type Server struct {
	// URL is the REST base, WsURL the socket endpoint.
	URL   string
	WsURL string

	http   *httptest.Server
	hub    *hub
	store  *store
	log    zerolog.Logger
	secret []byte
	echo   bool

	mu        sync.Mutex
	revoked   map[string]struct{}
	issued    []string
	received  []Frame
	requests  map[string]int
	refreshes int
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		log:      zerolog.Nop(),
		secret:   []byte(uuid.NewString()),
		revoked:  make(map[string]struct{}),
		requests: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.store = newStore(time.Now)
	s.hub = newHub(s.log)
	go s.hub.run()

	s.http = httptest.NewServer(s.routes())
	s.URL = s.http.URL + apiPrefix
	s.WsURL = "ws" + strings.TrimPrefix(s.http.URL, "http") + apiPrefix + "/messages/ws"

	return s
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	for _, c := range s.hub.connections() {
		c.conn.Close()
	}
	s.hub.shutdown()
	s.http.Close()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", s.login)
	mux.HandleFunc("POST /auth/refresh", s.refresh)
	mux.HandleFunc("POST /auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("GET /auth/me", s.authMiddleware(s.me))

	mux.HandleFunc("GET /messages/ws", s.serveWs)

	mux.HandleFunc("GET /messages/conversations", s.authMiddleware(s.listConversations))
	mux.HandleFunc("POST /messages/conversations", s.authMiddleware(s.createConversation))
	mux.HandleFunc("GET /messages/conversations/{id}", s.authMiddleware(s.getConversation))
	mux.HandleFunc("PUT /messages/conversations/{id}", s.authMiddleware(s.updateConversation))
	mux.HandleFunc("DELETE /messages/conversations/{id}", s.authMiddleware(s.deleteConversation))

	mux.HandleFunc("POST /messages/messages", s.authMiddleware(s.createMessage))
	mux.HandleFunc("POST /messages/messages/read", s.authMiddleware(s.readMessages))
	mux.HandleFunc("GET /messages/messages/unread/count", s.authMiddleware(s.unreadCount))
	mux.HandleFunc("GET /messages/messages/search", s.authMiddleware(s.search))
	mux.HandleFunc("GET /messages/messages/{id}", s.authMiddleware(s.getMessage))
	mux.HandleFunc("DELETE /messages/messages/{id}", s.authMiddleware(s.deleteMessage))
	mux.HandleFunc("GET /messages/attachments/{id}", s.authMiddleware(s.download))

	return http.StripPrefix(apiPrefix, s.countRequests(mux))
}

// AddUser creates an account that can log in with email and password.
func (s *Server) AddUser(username, email, password string) types.User {
	u, err := s.store.addUser(username, email, password)
	if err != nil {
		panic(fmt.Sprintf("chattest: add user: %v", err))
	}
	return u
}

// Tokens issues a token pair for userId without a login request.
func (s *Server) Tokens(userId int) types.Tokens {
	tokens, err := s.issue(userId)
	if err != nil {
		panic(fmt.Sprintf("chattest: issue tokens: %v", err))
	}
	return tokens
}

// CreateConversation creates a conversation on behalf of creator.
func (s *Server) CreateConversation(creator int, name string, memberIds ...int) types.Conversation {
	c, err := s.store.createConversation(creator, types.CreateConversationParams{Name: name, MemberIds: memberIds})
	if err != nil {
		panic(fmt.Sprintf("chattest: create conversation: %v", err))
	}
	return c
}

// PostMessage stores a message from senderId and broadcasts it the way a
// REST send would.
func (s *Server) PostMessage(senderId, conversationId int, content string) types.Message {
	m, err := s.store.addMessage(senderId, conversationId, content, nil)
	if err != nil {
		panic(fmt.Sprintf("chattest: post message: %v", err))
	}
	s.broadcastMessage(m)
	return m
}

// Push sends a raw frame to every connection in a conversation room.
func (s *Server) Push(conversationId int, frameType string, payload any) {
	s.hub.publish(conversationId, 0, frameType, payload)
}

// Joined returns the ids of users with a connection in the room.
func (s *Server) Joined(conversationId int) []int {
	return s.hub.members(conversationId)
}

// Connections counts open socket connections.
func (s *Server) Connections() int {
	return len(s.hub.connections())
}

// Received returns the frames of the given type received from clients.
func (s *Server) Received(frameType string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Frame
	for _, f := range s.received {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

// Requests counts requests by "METHOD /path", without the /api prefix.
func (s *Server) Requests(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[key]
}

// Refreshes counts /auth/refresh calls, successful or not.
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// RevokeAccessTokens makes every access token issued so far fail with 401.
func (s *Server) RevokeAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tok := range s.issued {
		s.revoked[tok] = struct{}{}
	}
	s.issued = nil
}

// Kick closes every socket connection with code.
func (s *Server) Kick(code int) {
	for _, c := range s.hub.connections() {
		c.kick(code, "")
	}
}

func (s *Server) record(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, f)
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) issue(userId int) (types.Tokens, error) {
	access, err := s.sign(userId, "access", accessExpiry)
	if err != nil {
		return types.Tokens{}, err
	}
	refresh, err := s.sign(userId, "refresh", refreshExpiry)
	if err != nil {
		return types.Tokens{}, err
	}

	s.mu.Lock()
	s.issued = append(s.issued, access)
	s.mu.Unlock()

	return types.Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(accessExpiry.Seconds()),
	}, nil
}

func (s *Server) sign(userId int, kind string, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		subClaim:  strconv.Itoa(userId),
		expClaim:  time.Now().Add(exp).Unix(),
		typeClaim: kind,
		jtiClaim:  uuid.NewString(),
	})
	return token.SignedString(s.secret)
}

// verify returns the user id of a valid token of the given kind.
func (s *Server) verify(tokenString, kind string) (int, error) {
	s.mu.Lock()
	_, revoked := s.revoked[tokenString]
	s.mu.Unlock()
	if revoked {
		return 0, errors.New("token revoked")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return 0, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || claims[typeClaim] != kind {
		return 0, errors.New("invalid token type")
	}
	sub, _ := claims[subClaim].(string)
	userId, err := strconv.Atoi(sub)
	if err != nil {
		return 0, fmt.Errorf("invalid sub claim: %w", err)
	}
	if _, ok := s.store.user(userId); !ok {
		return 0, errors.New("unknown user")
	}
	return userId, nil
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		userId, err := s.verify(tokenString, "access")
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}

		ctx := context.WithValue(r.Context(), userIdKey, userId)
		next(w, r.WithContext(ctx))
	}
}

func userId(r *http.Request) int {
	id, _ := r.Context().Value(userIdKey).(int)
	return id
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	u, ok := s.store.authenticate(r.PostFormValue("username"), r.PostFormValue("password"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}

	tokens, err := s.issue(u.Id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJson(w, http.StatusOK, tokens)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.refreshes++
	s.mu.Unlock()

	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}

	id, err := s.verify(body.RefreshToken, "refresh")
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	tokens, err := s.issue(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJson(w, http.StatusOK, tokens)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	writeJson(w, http.StatusOK, map[string]string{"message": "Successfully logged out"})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	u, _ := s.store.user(userId(r))
	writeJson(w, http.StatusOK, u)
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	id, err := s.verify(r.URL.Query().Get("token"), "access")
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade")
		return
	}

	c := newClient(id, conn, s)
	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go c.write()
	go c.read()
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	skip, limit := intParam(r, "skip", 0), intParam(r, "limit", 100)
	writeJson(w, http.StatusOK, s.store.conversations(userId(r), skip, limit))
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var params types.CreateConversationParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}

	c, err := s.store.createConversation(userId(r), params)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJson(w, http.StatusOK, c)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathId(w, r)
	if !ok {
		return
	}

	limit := intParam(r, "limit", 50)
	if limit < 1 || limit > 100 {
		writeError(w, http.StatusUnprocessableEntity, "limit must be between 1 and 100")
		return
	}

	c, err := s.store.history(userId(r), id, intParam(r, "skip", 0), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJson(w, http.StatusOK, c)
}

func (s *Server) updateConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathId(w, r)
	if !ok {
		return
	}

	var params types.UpdateConversationParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}

	c, err := s.store.updateConversation(userId(r), id, params)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJson(w, http.StatusOK, c)
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathId(w, r)
	if !ok {
		return
	}

	if err := s.store.deleteConversation(userId(r), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid form")
		return
	}

	conversationId, err := strconv.Atoi(r.FormValue("conversation_id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "conversation_id is required")
		return
	}

	var files []types.Upload
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		files = append(files, types.Upload{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Data: data})
	}

	content := r.FormValue("content")
	if strings.TrimSpace(content) == "" && len(files) == 0 {
		writeError(w, http.StatusBadRequest, "Message must have content or files")
		return
	}

	m, err := s.store.addMessage(userId(r), conversationId, content, files)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.broadcastMessage(m)
	writeJson(w, http.StatusOK, m)
}

func (s *Server) broadcastMessage(m types.Message) {
	skip := m.SenderId
	if s.echo {
		skip = 0
	}
	s.hub.publish(m.ConversationId, skip, newMessage, map[string]any{
		"conversation_id": m.ConversationId,
		"message":         m,
	})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathId(w, r)
	if !ok {
		return
	}

	m, err := s.store.message(userId(r), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJson(w, http.StatusOK, m)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathId(w, r)
	if !ok {
		return
	}

	if _, err := s.store.deleteMessage(userId(r), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) readMessages(w http.ResponseWriter, r *http.Request) {
	var ids []int
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}

	s.markRead(userId(r), ids)
	w.WriteHeader(http.StatusNoContent)
}

// markRead stores receipts and tells the other room members about the new
// ones.
func (s *Server) markRead(userId int, ids []int) {
	for conversationId, marked := range s.store.markRead(userId, ids) {
		s.hub.publish(conversationId, userId, readReceipt, receiptPayload{
			UserId:         userId,
			ConversationId: conversationId,
			MessageIds:     marked,
		})
	}
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	n := s.store.unreadCount(userId(r), intParam(r, "conversation_id", 0))
	writeJson(w, http.StatusOK, map[string]int{"unread_count": n})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusUnprocessableEntity, "q is required")
		return
	}
	writeJson(w, http.StatusOK, s.store.search(userId(r), q))
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	id, ok := pathId(w, r)
	if !ok {
		return
	}

	data, a, err := s.store.file(userId(r), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", a.FileType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.FileName))
	w.Write(data)
}

func pathId(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid id")
		return 0, false
	}
	return id, true
}

func intParam(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return v
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, "Not a member of this conversation")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJson(w, status, map[string]string{"detail": detail})
}

func writeJson(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
