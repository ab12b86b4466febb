package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePort(t *testing.T) {
	for in, want := range map[string]int{"1": 1, "4444": 4444, " 65535 ": 65535} {
		got, err := ParsePort(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"", "0", "65536", "-1", "http", "44.4"} {
		_, err := ParsePort(in)
		assert.ErrorIs(t, err, ErrInvalidPort, "input %q", in)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("4444")
	require.NoError(t, err)

	assert.Equal(t, 4444, cfg.Port)
	assert.Equal(t, ":4444", cfg.ListenAddr())
	assert.Equal(t, defaultMaxConnections, cfg.MaxConnections)
	assert.Equal(t, defaultMaxLineLength, cfg.MaxLineLength)
	assert.Equal(t, defaultMaxUsernameLength, cfg.MaxUsernameLength)
	assert.Equal(t, defaultIdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, defaultWriteTimeout, cfg.WriteTimeout)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.AllowedOrigins)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.WebSocketAddr)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RELAY_HOST", "127.0.0.1")
	t.Setenv("RELAY_MAX_CONNECTIONS", "8")
	t.Setenv("RELAY_IDLE_TIMEOUT", "0s")
	t.Setenv("RELAY_WRITE_TIMEOUT", "3s")
	t.Setenv("RELAY_WS_ADDR", ":8080")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "https://chat.example.com, ,*")
	t.Setenv("RELAY_LOG_LEVEL", "DEBUG")

	cfg, err := LoadConfig("5000")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5000", cfg.ListenAddr())
	assert.Equal(t, 8, cfg.MaxConnections)
	assert.Zero(t, cfg.IdleTimeout)
	assert.Equal(t, 3*time.Second, cfg.WriteTimeout)
	assert.Equal(t, ":8080", cfg.WebSocketAddr)
	assert.Equal(t, []string{"https://chat.example.com", "*"}, cfg.AllowedOrigins)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("InvalidPort", func(t *testing.T) {
		_, err := LoadConfig("port")
		assert.ErrorIs(t, err, ErrInvalidPort)
	})

	t.Run("UnparsableEnv", func(t *testing.T) {
		t.Setenv("RELAY_MAX_CONNECTIONS", "many")
		_, err := LoadConfig("4444")
		assert.ErrorContains(t, err, "parse env")
	})

	t.Run("OutOfBounds", func(t *testing.T) {
		t.Setenv("RELAY_MAX_LINE_LENGTH", "10")
		_, err := LoadConfig("4444")
		assert.ErrorContains(t, err, "invalid config")
	})

	t.Run("UnknownLogLevel", func(t *testing.T) {
		t.Setenv("RELAY_LOG_LEVEL", "loud")
		_, err := LoadConfig("4444")
		assert.ErrorContains(t, err, "invalid config")
	})
}

func TestSanitizeConfig_FillsZeroValues(t *testing.T) {
	cfg := sanitizeConfig(Config{Port: 1})

	assert.Equal(t, defaultMaxConnections, cfg.MaxConnections)
	assert.Equal(t, defaultMaxLineLength, cfg.MaxLineLength)
	assert.Equal(t, defaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NoError(t, cfg.Validate())
}
