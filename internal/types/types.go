package types

import (
	"fmt"
	"strings"
	"time"
)

type User struct {
	Id        int    `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// DisplayName prefers the full name and falls back to the username.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

type Conversation struct {
	Id          int       `json:"id"`
	Name        string    `json:"name,omitempty"`
	IsGroup     bool      `json:"is_group"`
	Members     []User    `json:"members"`
	CreatedById int       `json:"created_by_id"`
	CreatedBy   User      `json:"created_by"`
	LastMessage *Message  `json:"last_message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (c Conversation) HasMember(userId int) bool {
	for _, m := range c.Members {
		if m.Id == userId {
			return true
		}
	}
	return false
}

// DisplayName returns the conversation name, or the other members' names
// for an unnamed conversation as seen by userId.
func (c Conversation) DisplayName(userId int) string {
	if c.Name != "" {
		return c.Name
	}

	var names []string
	for _, m := range c.Members {
		if m.Id == userId {
			continue
		}
		names = append(names, m.DisplayName())
	}
	if len(names) == 0 {
		return fmt.Sprintf("conversation %d", c.Id)
	}
	return strings.Join(names, ", ")
}

// LastActivity is the time of the newest known message, or the last update
// of the conversation itself.
func (c Conversation) LastActivity() time.Time {
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(c.UpdatedAt) {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

// ConversationWithMessages is one page of history. Messages are newest first,
// the way the server returns them.
type ConversationWithMessages struct {
	Conversation
	Messages []Message `json:"messages"`
}

type Message struct {
	Id             int           `json:"id"`
	ConversationId int           `json:"conversation_id"`
	SenderId       int           `json:"sender_id"`
	Sender         User          `json:"sender"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	ReadReceipts   []ReadReceipt `json:"read_receipts,omitempty"`
	IsRead         bool          `json:"is_read,omitempty"`
}

// Read reports whether anyone has a receipt for the message. The server's
// is_read flag counts as read as well.
func (m Message) Read() bool {
	return m.IsRead || len(m.ReadReceipts) > 0
}

func (m Message) ReadBy(userId int) bool {
	for _, r := range m.ReadReceipts {
		if r.UserId == userId {
			return true
		}
	}
	return false
}

type Attachment struct {
	Id        int       `json:"id"`
	MessageId int       `json:"message_id"`
	FileName  string    `json:"file_name"`
	FileType  string    `json:"file_type"`
	FileSize  int64     `json:"file_size"`
	FilePath  string    `json:"file_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (a Attachment) DownloadPath() string {
	return fmt.Sprintf("/messages/attachments/%d", a.Id)
}

type ReadReceipt struct {
	Id        int       `json:"id,omitempty"`
	UserId    int       `json:"user_id"`
	MessageId int       `json:"message_id"`
	ReadAt    time.Time `json:"read_at"`
}

type CreateConversationParams struct {
	Name      string `json:"name,omitempty"`
	IsGroup   bool   `json:"is_group"`
	MemberIds []int  `json:"member_ids"`
}

type UpdateConversationParams struct {
	Name      *string `json:"name,omitempty"`
	MemberIds []int   `json:"member_ids,omitempty"`
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

// Upload is a file attached to an outgoing message.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

func (u Upload) Size() int64 {
	return int64(len(u.Data))
}
