package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 64 << 10

var (
	// ErrSessionExpired means the refresh token was rejected; stored
	// credentials have been cleared and the user must log in again.
	ErrSessionExpired = errors.New("session expired")
	ErrNoMembers      = errors.New("a conversation needs at least one member")
	ErrEmptyQuery     = errors.New("search query is empty")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Message, e.Err.Error())
	}

	return fmt.Sprintf("%d %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, statusCode int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == statusCode
}

func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}

func IsForbidden(err error) bool {
	return IsStatus(err, http.StatusForbidden)
}

// decodeError builds an APIError from resp. The backend reports failures as
// {"detail": "..."}; validation failures carry a list in detail instead.
func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    lower(http.StatusText(resp.StatusCode)),
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return apiErr
	}

	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Detail) == 0 {
		return apiErr
	}

	var detail string
	if err := json.Unmarshal(body.Detail, &detail); err == nil {
		apiErr.Message = detail
		return apiErr
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(body.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		if len(msgs) > 0 {
			apiErr.Message = strings.Join(msgs, "; ")
		}
	}

	return apiErr
}
