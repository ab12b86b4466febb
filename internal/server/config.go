// Package server provides configuration helpers that define runtime defaults,
// environment loading and validation for the relay.
package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

const (
	defaultMaxConnections    = 256
	defaultMaxLineLength     = 4096
	defaultMaxUsernameLength = 32
	defaultIdleTimeout       = 30 * time.Minute
	defaultWriteTimeout      = 10 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
)

var validate = validator.New()

// Config holds the relay settings. Port comes from the command line, the
// rest from RELAY_* environment variables.
type Config struct {
	Host              string        `env:"RELAY_HOST"`
	Port              int           `validate:"min=1,max=65535"`
	MaxConnections    int           `env:"RELAY_MAX_CONNECTIONS" validate:"min=1"`
	MaxLineLength     int           `env:"RELAY_MAX_LINE_LENGTH" validate:"min=64"`
	MaxUsernameLength int           `env:"RELAY_MAX_USERNAME_LENGTH" validate:"min=1,max=256"`
	IdleTimeout       time.Duration `env:"RELAY_IDLE_TIMEOUT" validate:"gte=0"`
	WriteTimeout      time.Duration `env:"RELAY_WRITE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout   time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT" validate:"gt=0"`
	// WebSocketAddr enables the HTTP gateway when non-empty, e.g. ":8080".
	WebSocketAddr  string   `env:"RELAY_WS_ADDR"`
	AllowedOrigins []string `env:"RELAY_ALLOWED_ORIGINS" envSeparator:","`
	LogLevel       string   `env:"RELAY_LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogDevelopment bool     `env:"RELAY_LOG_DEVELOPMENT"`
}

// DefaultConfig returns a Config populated with default values for all
// settings except Port.
func DefaultConfig() Config {
	return Config{
		MaxConnections:    defaultMaxConnections,
		MaxLineLength:     defaultMaxLineLength,
		MaxUsernameLength: defaultMaxUsernameLength,
		IdleTimeout:       defaultIdleTimeout,
		WriteTimeout:      defaultWriteTimeout,
		ShutdownTimeout:   defaultShutdownTimeout,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		LogLevel: "info",
	}
}

// LoadConfig builds the configuration for the given port argument, applying
// environment overrides on top of the defaults.
func LoadConfig(portArg string) (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	port, err := ParsePort(portArg)
	if err != nil {
		return Config{}, err
	}
	cfg.Port = port

	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ParsePort validates a listening port argument.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %d is out of range 1-65535", ErrInvalidPort, port)
	}
	return port, nil
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	return validate.Struct(c)
}

// ListenAddr is the TCP address the acceptor binds.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}

	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = defaultMaxLineLength
	}

	if cfg.MaxUsernameLength <= 0 {
		cfg.MaxUsernameLength = defaultMaxUsernameLength
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.AllowedOrigins = origins

	return cfg
}
