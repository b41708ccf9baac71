package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/cotai-messaging/internal/types"
)

var ErrNoCredentials = errors.New("no stored credentials")

const (
	subClaim = "sub"
	expClaim = "exp"
)

// TokenStore persists the access and refresh tokens between runs.
type TokenStore interface {
	Load() (types.Tokens, error)
	Save(tokens types.Tokens) error
	Clear() error
}

// FileStore keeps credentials in a JSON file readable only by the owner.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (types.Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokens types.Tokens
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tokens, ErrNoCredentials
		}
		return tokens, fmt.Errorf("read credentials: %w", err)
	}

	if err := json.Unmarshal(raw, &tokens); err != nil {
		return tokens, fmt.Errorf("decode credentials: %w", err)
	}
	if tokens.AccessToken == "" {
		return tokens, ErrNoCredentials
	}

	return tokens, nil
}

func (s *FileStore) Save(tokens types.Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	raw, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}

	return nil
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

// MemoryStore keeps credentials in memory only.
type MemoryStore struct {
	mu     sync.Mutex
	tokens types.Tokens
}

func (s *MemoryStore) Load() (types.Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens.AccessToken == "" {
		return types.Tokens{}, ErrNoCredentials
	}
	return s.tokens, nil
}

func (s *MemoryStore) Save(tokens types.Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = tokens
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = types.Tokens{}
	return nil
}

// Claims are the parts of the access token the client needs. The signature
// is not verified; the server remains the authority on token validity.
type Claims struct {
	UserId    int
	ExpiresAt time.Time
}

func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

func ParseClaims(tokenString string) (Claims, error) {
	var claims Claims

	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return claims, fmt.Errorf("parse token: %w", err)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return claims, fmt.Errorf("invalid token claims")
	}

	switch sub := mc[subClaim].(type) {
	case string:
		id, err := strconv.Atoi(sub)
		if err != nil {
			return claims, fmt.Errorf("invalid sub claim %q: %w", sub, err)
		}
		claims.UserId = id
	case float64:
		claims.UserId = int(sub)
	default:
		return claims, fmt.Errorf("missing sub claim")
	}

	if exp, ok := mc[expClaim].(float64); ok {
		claims.ExpiresAt = time.Unix(int64(exp), 0)
	}

	return claims, nil
}
