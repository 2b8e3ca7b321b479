package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// FUNCTIONAL VALIDATION TEST: Default configuration provides production-ready settings
func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	require.NoError(t, config.Validate())
	require.Equal(t, 8080, config.HTTP.Port)
	require.Equal(t, "0.0.0.0:8080", config.HTTP.Addr())
	require.Equal(t, 5*time.Second, config.Presence.Interval)
	require.Equal(t, 10*time.Second, config.Typing.Timeout)
	require.Equal(t, 5*time.Second, config.Admission.LookupTimeout)
	require.Equal(t, "log", config.Mail.Provider)
	require.NotEmpty(t, config.Database.DatabasePath)
}

// FUNCTIONAL VALIDATION TEST: Configuration validation prevents invalid settings
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid port", func(c *Config) { c.HTTP.Port = -1 }},
		{"empty database path", func(c *Config) { c.Database.DatabasePath = "" }},
		{"zero presence interval", func(c *Config) { c.Presence.Interval = 0 }},
		{"read timeout below ping interval", func(c *Config) { c.WebSocket.ReadTimeout = time.Second }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"unknown mail provider", func(c *Config) { c.Mail.Provider = "pigeon" }},
		{"ses without from", func(c *Config) { c.Mail.Provider = "ses" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			require.Error(t, config.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, "litepost.yaml", `
http:
  port: 9090
presence:
  interval: 2s
websocket:
  allowed_origins: ["https://litepost.io"]
mail:
  provider: ses
  from: hello@litepost.io
`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, 9090, config.HTTP.Port)
	require.Equal(t, 2*time.Second, config.Presence.Interval)
	require.Equal(t, []string{"https://litepost.io"}, config.WebSocket.AllowedOrigins)
	require.Equal(t, "ses", config.Mail.Provider)
	// untouched sections keep their defaults
	require.Equal(t, "0.0.0.0", config.HTTP.Host)
	require.Equal(t, 10*time.Second, config.Typing.Timeout)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "bad.yaml", "http: [not, a, map"))
	require.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "invalid.yaml", "http:\n  port: 70000\n"))
	require.ErrorContains(t, err, "invalid configuration")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LITEPOST_HTTP_PORT", "7070")
	t.Setenv("LITEPOST_DATABASE_PATH", "/tmp/litepost-env.db")
	t.Setenv("LITEPOST_TYPING_TIMEOUT", "3s")
	t.Setenv("LITEPOST_AUTH_JWT_SECRET", "s3cret")

	config, err := LoadFromEnv()
	require.NoError(t, err)
	require.Equal(t, 7070, config.HTTP.Port)
	require.Equal(t, "/tmp/litepost-env.db", config.Database.DatabasePath)
	require.Equal(t, 3*time.Second, config.Typing.Timeout)
	require.Equal(t, "s3cret", config.Auth.JWTSecret)
}

func TestLoadFromEnv_BadValue(t *testing.T) {
	t.Setenv("LITEPOST_HTTP_PORT", "not-a-number")

	_, err := LoadFromEnv()
	require.Error(t, err)
}

// FUNCTIONAL DISCOVERY: Configuration precedence is defaults < file < environment
func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, "litepost.yaml", `
http:
  port: 9090
  host: 127.0.0.1
feed:
  buffer_size: 16
`)
	t.Setenv("LITEPOST_HTTP_PORT", "7070")

	config, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7070, config.HTTP.Port, "environment wins over file")
	require.Equal(t, "127.0.0.1", config.HTTP.Host, "file wins over defaults")
	require.Equal(t, 16, config.Feed.BufferSize)
	require.Equal(t, 5*time.Second, config.Presence.Interval, "defaults fill the rest")
}

func TestLoad_NoFile(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, config.HTTP.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
