package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "COTAI_"

type Config struct {
	API struct {
		BaseURL           string        `koanf:"base_url"`
		WsURL             string        `koanf:"ws_url"`
		Timeout           time.Duration `koanf:"timeout"`
		RequestsPerSecond float64       `koanf:"requests_per_second"`
		Burst             int           `koanf:"burst"`
	} `koanf:"api"`

	Socket struct {
		BaseDelay            time.Duration `koanf:"base_delay"`
		MaxDelay             time.Duration `koanf:"max_delay"`
		MaxReconnectAttempts int           `koanf:"max_reconnect_attempts"`
	} `koanf:"socket"`

	Messaging struct {
		PageSize          int           `koanf:"page_size"`
		TypingDebounce    time.Duration `koanf:"typing_debounce"`
		ConsecutiveWindow time.Duration `koanf:"consecutive_window"`
	} `koanf:"messaging"`

	Attachments struct {
		MaxSize      int64    `koanf:"max_size"`
		AllowedTypes []string `koanf:"allowed_types"`
	} `koanf:"attachments"`

	Auth struct {
		CredentialsPath string `koanf:"credentials_path"`
	} `koanf:"auth"`

	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`

	Debug struct {
		Addr string `koanf:"addr"`
	} `koanf:"debug"`
}

func defaults() map[string]any {
	return map[string]any{
		"api.base_url":                  "http://localhost:8000/api",
		"api.ws_url":                    "ws://localhost:8000/api/messages/ws",
		"api.timeout":                   "30s",
		"api.requests_per_second":       10.0,
		"api.burst":                     20,
		"socket.base_delay":             "1s",
		"socket.max_delay":              "30s",
		"socket.max_reconnect_attempts": 10,
		"messaging.page_size":           50,
		"messaging.typing_debounce":     "1s",
		"messaging.consecutive_window":  "60s",
		"attachments.max_size":          20 * 1024 * 1024,
		"attachments.allowed_types": []string{
			"application/pdf",
			"application/msword",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			"application/vnd.ms-excel",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			"text/csv",
			"text/plain",
			"image/jpeg",
			"image/png",
			"image/tiff",
			"image/bmp",
		},
		"auth.credentials_path": defaultCredentialsPath(),
		"log.level":             "info",
		"debug.addr":            "",
	}
}

func defaultCredentialsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "cotai-credentials.json")
	}
	return filepath.Join(dir, "cotai", "credentials.json")
}

// Load builds the configuration from defaults, the TOML file at path (if
// path is non-empty) and COTAI_ environment variables, in that order.
// Nested keys use a double underscore: COTAI_API__BASE_URL sets api.base_url.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api base url cannot be empty")
	}
	if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil {
		return fmt.Errorf("parse api base url: %w", err)
	}
	if c.API.WsURL == "" {
		return fmt.Errorf("websocket url cannot be empty")
	}
	u, err := url.Parse(c.API.WsURL)
	if err != nil {
		return fmt.Errorf("parse websocket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("websocket url must use ws or wss, got %q", u.Scheme)
	}
	if c.API.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}
	if c.Socket.BaseDelay <= 0 || c.Socket.MaxDelay < c.Socket.BaseDelay {
		return fmt.Errorf("invalid reconnect delays: base %s, max %s", c.Socket.BaseDelay, c.Socket.MaxDelay)
	}
	if c.Socket.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts cannot be negative")
	}
	if c.Messaging.PageSize < 1 || c.Messaging.PageSize > 100 {
		return fmt.Errorf("page size must be between 1 and 100, got %d", c.Messaging.PageSize)
	}
	if c.Messaging.TypingDebounce <= 0 {
		return fmt.Errorf("typing debounce must be positive")
	}
	if c.Attachments.MaxSize <= 0 {
		return fmt.Errorf("attachment max size must be positive")
	}
	if c.Auth.CredentialsPath == "" {
		return fmt.Errorf("credentials path cannot be empty")
	}

	return nil
}
