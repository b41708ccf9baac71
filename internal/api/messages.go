package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/npezzotti/cotai-messaging/internal/types"
)

func (c *Client) ListConversations(ctx context.Context, skip, limit int) ([]types.Conversation, error) {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(skip))
	q.Set("limit", strconv.Itoa(limit))

	var convs []types.Conversation
	req := request{method: http.MethodGet, path: "/messages/conversations", query: q}
	if err := c.do(ctx, req, &convs); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	return convs, nil
}

// CreateConversation validates params locally; a conversation without
// members is rejected without a request.
func (c *Client) CreateConversation(ctx context.Context, params types.CreateConversationParams) (*types.Conversation, error) {
	if len(params.MemberIds) == 0 {
		return nil, ErrNoMembers
	}

	req, err := jsonRequest(http.MethodPost, "/messages/conversations", params)
	if err != nil {
		return nil, err
	}

	var conv types.Conversation
	if err := c.do(ctx, req, &conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	return &conv, nil
}

func (c *Client) UpdateConversation(ctx context.Context, conversationId int, params types.UpdateConversationParams) (*types.Conversation, error) {
	req, err := jsonRequest(http.MethodPut, conversationPath(conversationId), params)
	if err != nil {
		return nil, err
	}

	var conv types.Conversation
	if err := c.do(ctx, req, &conv); err != nil {
		return nil, fmt.Errorf("update conversation %d: %w", conversationId, err)
	}

	return &conv, nil
}

func (c *Client) DeleteConversation(ctx context.Context, conversationId int) error {
	req := request{method: http.MethodDelete, path: conversationPath(conversationId)}
	if err := c.do(ctx, req, nil); err != nil {
		return fmt.Errorf("delete conversation %d: %w", conversationId, err)
	}

	return nil
}

// GetConversation fetches a conversation with one page of its messages,
// newest first.
func (c *Client) GetConversation(ctx context.Context, conversationId, limit, skip int) (*types.ConversationWithMessages, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("skip", strconv.Itoa(skip))

	var conv types.ConversationWithMessages
	req := request{method: http.MethodGet, path: conversationPath(conversationId), query: q}
	if err := c.do(ctx, req, &conv); err != nil {
		return nil, fmt.Errorf("get conversation %d: %w", conversationId, err)
	}

	return &conv, nil
}

// SendMessage posts a message with its attachments as multipart form data.
func (c *Client) SendMessage(ctx context.Context, conversationId int, content string, files []types.Upload) (*types.Message, error) {
	body, contentType, err := messageForm(conversationId, content, files)
	if err != nil {
		return nil, err
	}

	req := request{
		method:      http.MethodPost,
		path:        "/messages/messages",
		body:        body,
		contentType: contentType,
	}

	var msg types.Message
	if err := c.do(ctx, req, &msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	return &msg, nil
}

func (c *Client) GetMessage(ctx context.Context, messageId int) (*types.Message, error) {
	var msg types.Message
	if err := c.do(ctx, request{method: http.MethodGet, path: messagePath(messageId)}, &msg); err != nil {
		return nil, fmt.Errorf("get message %d: %w", messageId, err)
	}

	return &msg, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageId int) error {
	if err := c.do(ctx, request{method: http.MethodDelete, path: messagePath(messageId)}, nil); err != nil {
		return fmt.Errorf("delete message %d: %w", messageId, err)
	}

	return nil
}

// MarkRead records read receipts for the current user.
func (c *Client) MarkRead(ctx context.Context, messageIds []int) error {
	req, err := jsonRequest(http.MethodPost, "/messages/messages/read", messageIds)
	if err != nil {
		return err
	}

	if err := c.do(ctx, req, nil); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}

	return nil
}

// UnreadCount returns the unread messages of conversationId, or of every
// conversation when conversationId is zero.
func (c *Client) UnreadCount(ctx context.Context, conversationId int) (int, error) {
	q := url.Values{}
	if conversationId != 0 {
		q.Set("conversation_id", strconv.Itoa(conversationId))
	}

	var resp struct {
		UnreadCount int `json:"unread_count"`
	}
	req := request{method: http.MethodGet, path: "/messages/messages/unread/count", query: q}
	if err := c.do(ctx, req, &resp); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}

	return resp.UnreadCount, nil
}

func (c *Client) SearchMessages(ctx context.Context, query string) ([]types.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	q := url.Values{}
	q.Set("q", query)

	var msgs []types.Message
	req := request{method: http.MethodGet, path: "/messages/messages/search", query: q}
	if err := c.do(ctx, req, &msgs); err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}

	return msgs, nil
}

// DownloadAttachment streams the attachment into w and returns the number
// of bytes written.
func (c *Client) DownloadAttachment(ctx context.Context, attachment types.Attachment, w io.Writer) (int64, error) {
	req := request{method: http.MethodGet, path: attachment.DownloadPath()}

	resp, err := c.send(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("download attachment %d: %w", attachment.Id, err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download attachment %d: %w", attachment.Id, err)
	}

	return n, nil
}

func conversationPath(id int) string {
	return "/messages/conversations/" + strconv.Itoa(id)
}

func messagePath(id int) string {
	return "/messages/messages/" + strconv.Itoa(id)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// fileDisposition builds the form-data header mime/multipart writes for
// CreateFormFile.
func fileDisposition(field, filename string) string {
	return fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(filename))
}

func messageForm(conversationId int, content string, files []types.Upload) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("content", content); err != nil {
		return nil, "", fmt.Errorf("write content field: %w", err)
	}
	if err := mw.WriteField("conversation_id", strconv.Itoa(conversationId)); err != nil {
		return nil, "", fmt.Errorf("write conversation field: %w", err)
	}

	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fileDisposition("files", f.Name))
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h.Set("Content-Type", contentType)

		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create file part: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("write file part: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
}
