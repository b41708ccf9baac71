package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/npezzotti/cotai-messaging/internal/types"
)

// Login exchanges a username and password for tokens and stores them.
func (c *Client) Login(ctx context.Context, username, password string) (types.Tokens, error) {
	var tokens types.Tokens

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	req := request{
		method:      http.MethodPost,
		path:        "/auth/login",
		body:        []byte(form.Encode()),
		contentType: "application/x-www-form-urlencoded",
		public:      true,
	}
	if err := c.do(ctx, req, &tokens); err != nil {
		return tokens, fmt.Errorf("login: %w", err)
	}

	if err := c.store.Save(tokens); err != nil {
		return tokens, fmt.Errorf("save credentials: %w", err)
	}

	c.log.Info().Str("username", username).Msg("logged in")
	return tokens, nil
}

// Logout tells the backend and drops the stored credentials. The
// credentials are dropped even if the backend call fails.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, request{method: http.MethodPost, path: "/auth/logout"}, nil)

	if clearErr := c.store.Clear(); clearErr != nil {
		return fmt.Errorf("clear credentials: %w", clearErr)
	}
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	return nil
}

func (c *Client) Me(ctx context.Context) (*types.User, error) {
	var u types.User
	if err := c.do(ctx, request{method: http.MethodGet, path: "/auth/me"}, &u); err != nil {
		return nil, fmt.Errorf("get current user: %w", err)
	}

	return &u, nil
}

// AccessToken returns the stored access token, for the socket handshake.
func (c *Client) AccessToken() (string, error) {
	tokens, err := c.store.Load()
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}
