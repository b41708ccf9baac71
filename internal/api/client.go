package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/cotai-messaging/internal/auth"
	"github.com/npezzotti/cotai-messaging/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	userAgent      = "cotaichat/1.0"
	refreshTimeout = 30 * time.Second
)

var errNoRefreshToken = errors.New("no refresh token")

type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client talks to the backend REST API. Authenticated requests carry the
// stored access token; a 401 triggers one refresh shared by all requests
// that fail concurrently, and each of them is retried once.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	limiter *rate.Limiter
	store   auth.TokenStore
	log     zerolog.Logger

	refreshGroup singleflight.Group

	mu        sync.Mutex
	onExpired []func()
}

type Option func(c *Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(cfg Config, store auth.TokenStore, logger zerolog.Logger, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must use http or https, got %q", base.Scheme)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		baseURL: base,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		store:   store,
		log:     logger.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// OnSessionExpired registers fn to run when a refresh fails and the stored
// credentials are dropped.
func (c *Client) OnSessionExpired(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpired = append(c.onExpired, fn)
}

// request describes one call. The body is kept as bytes so it can be
// replayed after a token refresh.
type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	public      bool
}

func jsonRequest(method, path string, v any) (request, error) {
	req := request{method: method, path: path}
	if v == nil {
		return req, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return req, fmt.Errorf("encode request: %w", err)
	}
	req.body = raw
	req.contentType = "application/json"
	return req, nil
}

// do runs req and decodes a JSON response into out, if out is non-nil.
func (c *Client) do(ctx context.Context, req request, out any) error {
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", req.method, req.path, err)
	}
	return nil
}

// send runs req and returns a 2xx response, with the body unread.
func (c *Client) send(ctx context.Context, req request) (*http.Response, error) {
	token := ""
	if !req.public {
		tokens, err := c.store.Load()
		if err != nil {
			if errors.Is(err, auth.ErrNoCredentials) {
				return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
			}
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		token = tokens.AccessToken
	}

	resp, err := c.roundTrip(ctx, req, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && !req.public {
		drain(resp)

		token, err = c.refresh(ctx, token)
		if err != nil {
			return nil, err
		}

		resp, err = c.roundTrip(ctx, req, token)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			defer drain(resp)
			apiErr := decodeError(resp)
			c.expire(apiErr)
			return nil, fmt.Errorf("%w: %v", ErrSessionExpired, apiErr)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer drain(resp)
		return nil, decodeError(resp)
	}

	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, req request, token string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	u := c.baseURL.JoinPath(req.path)
	if len(req.query) > 0 {
		u.RawQuery = req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.method, req.path, err)
	}

	c.log.Debug().
		Str("method", req.method).
		Str("path", req.path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("api request")

	return resp, nil
}

// refresh exchanges the refresh token for a new access token. Concurrent
// callers share one exchange; a caller whose token was already replaced
// gets the new token without another exchange. The exchange is detached
// from ctx so one caller giving up does not fail the others, and only a
// rejection by the refresh endpoint expires the session.
func (c *Client) refresh(ctx context.Context, failedToken string) (string, error) {
	ch := c.refreshGroup.DoChan("refresh", func() (any, error) {
		tokens, err := c.store.Load()
		if err != nil {
			if errors.Is(err, auth.ErrNoCredentials) {
				return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
			}
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		if tokens.AccessToken != failedToken {
			return tokens.AccessToken, nil
		}

		exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		fresh, err := c.exchange(exCtx, tokens.RefreshToken)
		if err != nil {
			if !refreshRejected(err) {
				c.log.Warn().Err(err).Msg("token refresh failed, keeping credentials")
				return nil, err
			}
			c.expire(err)
			return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = tokens.RefreshToken
		}
		if err := c.store.Save(fresh); err != nil {
			return nil, fmt.Errorf("save credentials: %w", err)
		}

		c.log.Info().Msg("access token refreshed")
		return fresh.AccessToken, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// refreshRejected reports whether err means the refresh token itself was
// refused, as opposed to the exchange not completing.
func refreshRejected(err error) bool {
	if errors.Is(err, errNoRefreshToken) {
		return true
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

func (c *Client) exchange(ctx context.Context, refreshToken string) (types.Tokens, error) {
	var tokens types.Tokens
	if refreshToken == "" {
		return tokens, errNoRefreshToken
	}

	req, err := jsonRequest(http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return tokens, err
	}
	req.public = true

	if err := c.do(ctx, req, &tokens); err != nil {
		return tokens, fmt.Errorf("refresh token: %w", err)
	}
	if tokens.AccessToken == "" {
		return tokens, errors.New("refresh response without access token")
	}

	return tokens, nil
}

// expire drops the stored credentials and notifies the session-expired
// hooks.
func (c *Client) expire(cause error) {
	c.log.Warn().Err(cause).Msg("session expired, clearing credentials")

	if err := c.store.Clear(); err != nil {
		c.log.Error().Err(err).Msg("clear credentials")
	}

	c.mu.Lock()
	hooks := append([]func(){}, c.onExpired...)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
