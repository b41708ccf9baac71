package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cotai.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err, "expected defaults to produce a valid config")

	assert.Equal(t, "http://localhost:8000/api", cfg.API.BaseURL)
	assert.Equal(t, time.Second, cfg.Socket.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Socket.MaxDelay)
	assert.Equal(t, 10, cfg.Socket.MaxReconnectAttempts)
	assert.Equal(t, 50, cfg.Messaging.PageSize)
	assert.Equal(t, time.Second, cfg.Messaging.TypingDebounce)
	assert.Equal(t, 60*time.Second, cfg.Messaging.ConsecutiveWindow)
	assert.Equal(t, int64(20*1024*1024), cfg.Attachments.MaxSize)
	assert.Contains(t, cfg.Attachments.AllowedTypes, "application/pdf")
	assert.NotEmpty(t, cfg.Auth.CredentialsPath)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
[api]
base_url = "https://cotai.example.com/api"
ws_url = "wss://cotai.example.com/api/messages/ws"

[messaging]
page_size = 25
typing_debounce = "500ms"

[socket]
max_reconnect_attempts = 3
`)

	t.Setenv("COTAI_SOCKET__MAX_RECONNECT_ATTEMPTS", "5")
	t.Setenv("COTAI_LOG__LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://cotai.example.com/api", cfg.API.BaseURL)
	assert.Equal(t, "wss://cotai.example.com/api/messages/ws", cfg.API.WsURL)
	assert.Equal(t, 25, cfg.Messaging.PageSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Messaging.TypingDebounce)
	assert.Equal(t, 5, cfg.Socket.MaxReconnectAttempts, "expected environment to override the file")
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tcases := []struct {
		name   string
		modify func(c *Config)
		err    bool
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
			err:    false,
		},
		{
			name:   "empty base url",
			modify: func(c *Config) { c.API.BaseURL = "" },
			err:    true,
		},
		{
			name:   "http websocket url",
			modify: func(c *Config) { c.API.WsURL = "http://localhost/ws" },
			err:    true,
		},
		{
			name:   "max delay below base delay",
			modify: func(c *Config) { c.Socket.MaxDelay = 10 * time.Millisecond },
			err:    true,
		},
		{
			name:   "page size too large",
			modify: func(c *Config) { c.Messaging.PageSize = 101 },
			err:    true,
		},
		{
			name:   "zero typing debounce",
			modify: func(c *Config) { c.Messaging.TypingDebounce = 0 },
			err:    true,
		},
		{
			name:   "zero attachment size",
			modify: func(c *Config) { c.Attachments.MaxSize = 0 },
			err:    true,
		},
		{
			name:   "empty credentials path",
			modify: func(c *Config) { c.Auth.CredentialsPath = "" },
			err:    true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)

			tc.modify(cfg)
			if tc.err {
				assert.Error(t, cfg.Validate(), "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, cfg.Validate(), "expected no error for config: %s", tc.name)
		})
	}
}

func Test_envKey(t *testing.T) {
	assert.Equal(t, "api.base_url", envKey("COTAI_API__BASE_URL"))
	assert.Equal(t, "log.level", envKey("COTAI_LOG__LEVEL"))
}
