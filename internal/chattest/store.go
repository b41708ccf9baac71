package chattest

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/cotai-messaging/internal/types"
	"golang.org/x/crypto/bcrypt"
)

var (
	errNotFound  = errors.New("not found")
	errForbidden = errors.New("not a member")
)

type account struct {
	user         types.User
	passwordHash []byte
}

// store is the backend's in-memory state. Ids are allocated from one
// sequence so they never collide across kinds.
type store struct {
	mu       sync.Mutex
	seq      int
	now      func() time.Time
	accounts map[int]*account
	convs    map[int]*types.Conversation
	msgs     map[int]*types.Message
	files    map[int][]byte
}

func newStore(now func() time.Time) *store {
	return &store{
		now:      now,
		accounts: make(map[int]*account),
		convs:    make(map[int]*types.Conversation),
		msgs:     make(map[int]*types.Message),
		files:    make(map[int][]byte),
	}
}

func (s *store) nextIdLocked() int {
	s.seq++
	return s.seq
}

func (s *store) addUser(username, email, password string) (types.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return types.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := types.User{Id: s.nextIdLocked(), Username: username, Email: email}
	s.accounts[u.Id] = &account{user: u, passwordHash: hash}
	return u, nil
}

func (s *store) authenticate(email, password string) (types.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if !strings.EqualFold(a.user.Email, email) {
			continue
		}
		if bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) != nil {
			return types.User{}, false
		}
		return a.user, true
	}
	return types.User{}, false
}

func (s *store) user(id int) (types.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return types.User{}, false
	}
	return a.user, true
}

func (s *store) createConversation(creator int, params types.CreateConversationParams) (types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := []types.User{s.accounts[creator].user}
	for _, id := range params.MemberIds {
		a, ok := s.accounts[id]
		if !ok {
			return types.Conversation{}, errNotFound
		}
		if id != creator {
			members = append(members, a.user)
		}
	}

	now := s.now()
	c := &types.Conversation{
		Id:          s.nextIdLocked(),
		Name:        params.Name,
		IsGroup:     params.IsGroup || len(members) > 2,
		Members:     members,
		CreatedById: creator,
		CreatedBy:   s.accounts[creator].user,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.convs[c.Id] = c
	return *c, nil
}

func (s *store) updateConversation(userId, id int, params types.UpdateConversationParams) (types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.memberConvLocked(userId, id)
	if err != nil {
		return types.Conversation{}, err
	}

	if params.Name != nil {
		c.Name = *params.Name
	}
	if params.MemberIds != nil {
		members := []types.User{s.accounts[c.CreatedById].user}
		for _, mid := range params.MemberIds {
			if a, ok := s.accounts[mid]; ok && mid != c.CreatedById {
				members = append(members, a.user)
			}
		}
		c.Members = members
	}
	c.UpdatedAt = s.now()
	return *c, nil
}

func (s *store) deleteConversation(userId, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.memberConvLocked(userId, id)
	if err != nil {
		return err
	}
	if c.CreatedById != userId {
		return errForbidden
	}

	delete(s.convs, id)
	for mid, m := range s.msgs {
		if m.ConversationId == id {
			delete(s.msgs, mid)
		}
	}
	return nil
}

// conversations returns the user's conversations, most recently updated
// first.
func (s *store) conversations(userId, skip, limit int) []types.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Conversation
	for _, c := range s.convs {
		if !c.HasMember(userId) {
			continue
		}
		conv := *c
		if last := s.lastMessageLocked(c.Id); last != nil {
			conv.LastMessage = last
		}
		out = append(out, conv)
	}
	slices.SortFunc(out, func(a, b types.Conversation) int {
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}
		return b.Id - a.Id
	})

	return page(out, skip, limit)
}

// history returns one page of a conversation's messages, newest first.
func (s *store) history(userId, id, skip, limit int) (types.ConversationWithMessages, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.memberConvLocked(userId, id)
	if err != nil {
		return types.ConversationWithMessages{}, err
	}

	msgs := s.messagesLocked(func(m *types.Message) bool { return m.ConversationId == id })
	slices.Reverse(msgs)
	return types.ConversationWithMessages{Conversation: *c, Messages: page(msgs, skip, limit)}, nil
}

func (s *store) addMessage(senderId, conversationId int, content string, files []types.Upload) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.memberConvLocked(senderId, conversationId)
	if err != nil {
		return types.Message{}, err
	}

	now := s.now()
	m := &types.Message{
		Id:             s.nextIdLocked(),
		ConversationId: conversationId,
		SenderId:       senderId,
		Sender:         s.accounts[senderId].user,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, f := range files {
		a := types.Attachment{
			Id:        s.nextIdLocked(),
			MessageId: m.Id,
			FileName:  f.Name,
			FileType:  f.ContentType,
			FileSize:  f.Size(),
			CreatedAt: now,
		}
		s.files[a.Id] = f.Data
		m.Attachments = append(m.Attachments, a)
	}

	s.msgs[m.Id] = m
	c.UpdatedAt = now
	return *m, nil
}

func (s *store) message(userId, id int) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return types.Message{}, errNotFound
	}
	if _, err := s.memberConvLocked(userId, m.ConversationId); err != nil {
		return types.Message{}, err
	}
	return *m, nil
}

func (s *store) deleteMessage(userId, id int) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return types.Message{}, errNotFound
	}
	if m.SenderId != userId {
		return types.Message{}, errForbidden
	}
	delete(s.msgs, id)
	return *m, nil
}

// markRead records receipts for the messages the user may see and did not
// send. Repeated receipts are ignored. It returns the messages that got a
// new receipt, grouped by conversation.
func (s *store) markRead(userId int, ids []int) map[int][]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked := make(map[int][]int)
	now := s.now()
	for _, id := range ids {
		m, ok := s.msgs[id]
		if !ok || m.SenderId == userId || m.ReadBy(userId) {
			continue
		}
		if c, ok := s.convs[m.ConversationId]; !ok || !c.HasMember(userId) {
			continue
		}

		m.ReadReceipts = append(m.ReadReceipts, types.ReadReceipt{
			Id:        s.nextIdLocked(),
			UserId:    userId,
			MessageId: m.Id,
			ReadAt:    now,
		})
		marked[m.ConversationId] = append(marked[m.ConversationId], m.Id)
	}
	return marked
}

func (s *store) unreadCount(userId, conversationId int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.msgs {
		if conversationId != 0 && m.ConversationId != conversationId {
			continue
		}
		c, ok := s.convs[m.ConversationId]
		if !ok || !c.HasMember(userId) || m.SenderId == userId || m.ReadBy(userId) {
			continue
		}
		n++
	}
	return n
}

func (s *store) search(userId int, q string) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	q = strings.ToLower(q)
	msgs := s.messagesLocked(func(m *types.Message) bool {
		c, ok := s.convs[m.ConversationId]
		return ok && c.HasMember(userId) && strings.Contains(strings.ToLower(m.Content), q)
	})
	slices.Reverse(msgs)
	return msgs
}

func (s *store) file(userId, attachmentId int) ([]byte, types.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.msgs {
		for _, a := range m.Attachments {
			if a.Id != attachmentId {
				continue
			}
			if _, err := s.memberConvLocked(userId, m.ConversationId); err != nil {
				return nil, a, err
			}
			return s.files[a.Id], a, nil
		}
	}
	return nil, types.Attachment{}, errNotFound
}

func (s *store) isMember(userId, conversationId int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationId]
	return ok && c.HasMember(userId)
}

func (s *store) memberConvLocked(userId, id int) (*types.Conversation, error) {
	c, ok := s.convs[id]
	if !ok {
		return nil, errNotFound
	}
	if !c.HasMember(userId) {
		return nil, errForbidden
	}
	return c, nil
}

// messagesLocked returns copies of the matching messages, oldest first.
func (s *store) messagesLocked(match func(m *types.Message) bool) []types.Message {
	var out []types.Message
	for _, m := range s.msgs {
		if match(m) {
			out = append(out, *m)
		}
	}
	slices.SortFunc(out, func(a, b types.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return a.Id - b.Id
	})
	return out
}

func (s *store) lastMessageLocked(conversationId int) *types.Message {
	var last *types.Message
	for _, m := range s.msgs {
		if m.ConversationId != conversationId {
			continue
		}
		if last == nil || m.CreatedAt.After(last.CreatedAt) || (m.CreatedAt.Equal(last.CreatedAt) && m.Id > last.Id) {
			last = m
		}
	}
	if last == nil {
		return nil
	}
	cp := *last
	return &cp
}

func page[T any](items []T, skip, limit int) []T {
	if skip >= len(items) {
		return []T{}
	}
	items = items[skip:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
