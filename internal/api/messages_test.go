package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/npezzotti/cotai-messaging/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTokens = types.Tokens{AccessToken: "access-1", RefreshToken: "refresh-1"}

func TestLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"), "expected login without bearer token")
		assert.Equal(t, "ana@example.com", r.PostFormValue("username"))
		assert.Equal(t, "secret", r.PostFormValue("password"))
		writeJSON(w, http.StatusOK, types.Tokens{AccessToken: "a", RefreshToken: "r", TokenType: "bearer"})
	})

	c, store := newTestClient(t, mux, types.Tokens{})

	tokens, err := c.Login(context.Background(), "ana@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "a", tokens.AccessToken)

	stored, err := store.Load()
	require.NoError(t, err, "expected tokens to be stored")
	assert.Equal(t, tokens, stored)
}

func TestLogoutClearsCredentialsOnFailure(t *testing.T) {
	c, store := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
	}), testTokens)

	err := c.Logout(context.Background())
	assert.Error(t, err, "expected backend failure to be reported")

	_, err = store.Load()
	assert.Error(t, err, "expected credentials to be cleared anyway")
}

func TestCreateConversationWithoutMembers(t *testing.T) {
	var called bool
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}), testTokens)

	_, err := c.CreateConversation(context.Background(), types.CreateConversationParams{Name: "empty"})
	assert.ErrorIs(t, err, ErrNoMembers)
	assert.False(t, called, "expected no request for a conversation without members")
}

func TestCreateConversation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages/conversations", func(w http.ResponseWriter, r *http.Request) {
		var params types.CreateConversationParams
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, []int{2, 3}, params.MemberIds)
		writeJSON(w, http.StatusOK, types.Conversation{Id: 5, Name: params.Name, IsGroup: true})
	})

	c, _ := newTestClient(t, mux, testTokens)

	conv, err := c.CreateConversation(context.Background(), types.CreateConversationParams{Name: "team", IsGroup: true, MemberIds: []int{2, 3}})
	require.NoError(t, err)
	assert.Equal(t, 5, conv.Id)
}

func TestGetConversation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /messages/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "9", r.PathValue("id"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "100", r.URL.Query().Get("skip"))
		writeJSON(w, http.StatusOK, types.ConversationWithMessages{
			Conversation: types.Conversation{Id: 9},
			Messages:     []types.Message{{Id: 2, ConversationId: 9}, {Id: 1, ConversationId: 9}},
		})
	})

	c, _ := newTestClient(t, mux, testTokens)

	conv, err := c.GetConversation(context.Background(), 9, 50, 100)
	require.NoError(t, err)
	assert.Equal(t, 9, conv.Id)
	assert.Len(t, conv.Messages, 2)
}

func TestSendMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages/messages", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20), "expected multipart body")
		assert.Equal(t, "hello", r.FormValue("content"))
		assert.Equal(t, "7", r.FormValue("conversation_id"))

		files := r.MultipartForm.File["files"]
		if assert.Len(t, files, 2, "expected both attachments") {
			assert.Equal(t, "a.pdf", files[0].Filename)
			assert.Equal(t, "application/pdf", files[0].Header.Get("Content-Type"))
			assert.Equal(t, "application/octet-stream", files[1].Header.Get("Content-Type"),
				"expected a default content type")
			assert.Equal(t, `b "draft".bin`, files[1].Filename, "expected quotes in the file name to survive")

			f, err := files[0].Open()
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			assert.Equal(t, "%PDF-1.4", string(data))
		}

		writeJSON(w, http.StatusOK, types.Message{Id: 11, ConversationId: 7, SenderId: 1, Content: "hello"})
	})

	c, _ := newTestClient(t, mux, testTokens)

	msg, err := c.SendMessage(context.Background(), 7, "hello", []types.Upload{
		{Name: "a.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
		{Name: `b "draft".bin`, Data: []byte{1, 2, 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, 11, msg.Id)
}

func TestMarkRead(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages/messages/read", func(w http.ResponseWriter, r *http.Request) {
		var ids []int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ids))
		assert.Equal(t, []int{3, 4}, ids)
		w.WriteHeader(http.StatusNoContent)
	})

	c, _ := newTestClient(t, mux, testTokens)
	assert.NoError(t, c.MarkRead(context.Background(), []int{3, 4}))
}

func TestUnreadCount(t *testing.T) {
	tcases := []struct {
		name           string
		conversationId int
		wantQuery      string
	}{
		{name: "single conversation", conversationId: 7, wantQuery: "conversation_id=7"},
		{name: "all conversations", conversationId: 0, wantQuery: ""},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /messages/messages/unread/count", func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tc.wantQuery, r.URL.RawQuery)
				writeJSON(w, http.StatusOK, map[string]int{"unread_count": 4})
			})

			c, _ := newTestClient(t, mux, testTokens)

			n, err := c.UnreadCount(context.Background(), tc.conversationId)
			require.NoError(t, err)
			assert.Equal(t, 4, n)
		})
	}
}

func TestSearchMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /messages/messages/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "quote", r.URL.Query().Get("q"))
		writeJSON(w, http.StatusOK, []types.Message{{Id: 1, Content: "quote request"}})
	})

	c, _ := newTestClient(t, mux, testTokens)

	_, err := c.SearchMessages(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyQuery)

	msgs, err := c.SearchMessages(context.Background(), " quote ")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestDownloadAttachment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /messages/attachments/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.PathValue("id"))
		w.Write([]byte("file contents"))
	})

	c, _ := newTestClient(t, mux, testTokens)

	var buf bytes.Buffer
	n, err := c.DownloadAttachment(context.Background(), types.Attachment{Id: 3}, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)
	assert.Equal(t, "file contents", buf.String())
}

func TestDeleteMessage(t *testing.T) {
	var deleted atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /messages/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		deleted.Store(r.PathValue("id") == "8")
		w.WriteHeader(http.StatusNoContent)
	})

	c, _ := newTestClient(t, mux, testTokens)
	assert.NoError(t, c.DeleteMessage(context.Background(), 8))
	assert.True(t, deleted.Load())
}
