package chattest

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// Frame is one socket frame as the backend sees it. UserId is the sender
// for frames received from clients.
type Frame struct {
	UserId  int             `json:"-"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	joinConversation  = "join_conversation"
	leaveConversation = "leave_conversation"
	typingStatus      = "typing_status"
	readReceipt       = "read_receipt"
	newMessage        = "new_message"
)

type roomReq struct {
	client         *client
	conversationId int
}

// outbound is a frame for every client in a conversation room except
// those of skipUser.
type outbound struct {
	conversationId int
	skipUser       int
	raw            []byte
}

// hub tracks connections and the conversation rooms they joined. All
// mutations happen on the Run goroutine.
type hub struct {
	log zerolog.Logger

	register   chan *client
	deregister chan *client
	join       chan roomReq
	leave      chan roomReq
	broadcast  chan *outbound
	stop       chan struct{}
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
	rooms   map[int]map[*client]struct{}
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{
		log:        logger,
		register:   make(chan *client),
		deregister: make(chan *client),
		join:       make(chan roomReq, 64),
		leave:      make(chan roomReq, 64),
		broadcast:  make(chan *outbound, 256),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		rooms:      make(map[int]map[*client]struct{}),
	}
}

func (h *hub) run() {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.log.Debug().Int("user_id", c.userId).Msg("client registered")
		case c := <-h.deregister:
			h.removeClient(c)
		case req := <-h.join:
			h.mu.Lock()
			if _, ok := h.clients[req.client]; ok {
				room, ok := h.rooms[req.conversationId]
				if !ok {
					room = make(map[*client]struct{})
					h.rooms[req.conversationId] = room
				}
				room[req.client] = struct{}{}
			}
			h.mu.Unlock()
		case req := <-h.leave:
			h.mu.Lock()
			h.leaveLocked(req.client, req.conversationId)
			h.mu.Unlock()
		case out := <-h.broadcast:
			h.mu.RLock()
			for c := range h.rooms[out.conversationId] {
				if c.userId == out.skipUser {
					continue
				}
				c.queue(out.raw)
			}
			h.mu.RUnlock()
		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				c.stopClient()
			}
			h.clients = make(map[*client]struct{})
			h.rooms = make(map[int]map[*client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

func (h *hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for id := range h.rooms {
		h.leaveLocked(c, id)
	}
	c.stopClient()
	h.log.Debug().Int("user_id", c.userId).Msg("client removed")
}

func (h *hub) leaveLocked(c *client, conversationId int) {
	room, ok := h.rooms[conversationId]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, conversationId)
	}
}

func (h *hub) enqueue(ch chan roomReq, req roomReq) {
	select {
	case ch <- req:
	case <-h.done:
	}
}

// publish queues a frame for a conversation room.
func (h *hub) publish(conversationId, skipUser int, frameType string, payload any) {
	raw, err := encode(frameType, payload)
	if err != nil {
		h.log.Error().Err(err).Msg("encode frame")
		return
	}

	select {
	case h.broadcast <- &outbound{conversationId: conversationId, skipUser: skipUser, raw: raw}:
	case <-h.done:
	}
}

// members returns the ids of users with a connection in the room.
func (h *hub) members(conversationId int) []int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var ids []int
	for c := range h.rooms[conversationId] {
		if !slices.Contains(ids, c.userId) {
			ids = append(ids, c.userId)
		}
	}
	slices.Sort(ids)
	return ids
}

func (h *hub) connections() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *hub) shutdown() {
	close(h.stop)
	<-h.done
}

func encode(frameType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: frameType, Payload: raw})
}
