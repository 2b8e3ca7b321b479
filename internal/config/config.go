// Package config assembles the process configuration from defaults, an optional
// YAML file, a .env file and LITEPOST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"litepost/internal/mailer"
	"litepost/internal/observability"
	dbconfig "litepost/pkg/database"
)

// EnvPrefix namespaces every environment override, e.g. LITEPOST_HTTP_PORT.
const EnvPrefix = "LITEPOST"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  dbconfig.Config         `yaml:"database" envconfig:"DATABASE"`
	HTTP      HTTPConfig              `yaml:"http" envconfig:"HTTP"`
	WebSocket WebSocketConfig         `yaml:"websocket" envconfig:"WEBSOCKET"`
	Auth      AuthConfig              `yaml:"auth" envconfig:"AUTH"`
	Admission AdmissionConfig         `yaml:"admission" envconfig:"ADMISSION"`
	Presence  PresenceConfig          `yaml:"presence" envconfig:"PRESENCE"`
	Typing    TypingConfig            `yaml:"typing" envconfig:"TYPING"`
	Feed      FeedConfig              `yaml:"feed" envconfig:"FEED"`
	Mail      mailer.Config           `yaml:"mail" envconfig:"MAIL"`
	Log       observability.LogConfig `yaml:"log" envconfig:"LOG"`
}

// FUNCTIONAL DISCOVERY: HTTP configuration balances performance and reliability
type HTTPConfig struct {
	Host         string        `yaml:"host" envconfig:"HOST" validate:"required"`
	Port         int           `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
}

// Addr is the listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type WebSocketConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval" envconfig:"PING_INTERVAL" validate:"gt=0"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0,gtfield=PingInterval"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	SendQueue       int           `yaml:"send_queue" envconfig:"SEND_QUEUE" validate:"gt=0"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" envconfig:"MAX_MESSAGE_BYTES" validate:"gt=0"`
	EventsPerMinute int           `yaml:"events_per_minute" envconfig:"EVENTS_PER_MINUTE" validate:"gt=0"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

// AuthConfig configures token verification. An empty secret disables it and
// every connection stays anonymous.
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	TokenExpiry time.Duration `yaml:"token_expiry" envconfig:"TOKEN_EXPIRY" validate:"gte=0"`
}

type AdmissionConfig struct {
	LookupTimeout time.Duration `yaml:"lookup_timeout" envconfig:"LOOKUP_TIMEOUT" validate:"gt=0"`
}

type PresenceConfig struct {
	Interval time.Duration `yaml:"interval" envconfig:"INTERVAL" validate:"gt=0"`
}

type TypingConfig struct {
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gt=0"`
}

type FeedConfig struct {
	BufferSize int `yaml:"buffer_size" envconfig:"BUFFER_SIZE" validate:"gt=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: *dbconfig.DefaultConfig(),
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			SendQueue:       64,
			MaxMessageBytes: 4096,
			EventsPerMinute: 120,
		},
		Auth: AuthConfig{
			TokenExpiry: 7 * 24 * time.Hour,
		},
		Admission: AdmissionConfig{LookupTimeout: 5 * time.Second},
		Presence:  PresenceConfig{Interval: 5 * time.Second},
		Typing:    TypingConfig{Timeout: 10 * time.Second},
		Feed:      FeedConfig{BufferSize: 1024},
		Mail:      mailer.DefaultConfig(),
		Log: observability.LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

var validate = validator.New()

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Mail.Provider == "ses" && c.Mail.From == "" {
		return errors.New("mail: from address is required for the ses provider")
	}
	return nil
}

// LoadFromFile overlays a YAML file onto the defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := overlayFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// LoadFromEnv overlays LITEPOST_* variables onto the defaults.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Load resolves the configuration with precedence defaults < file < environment.
// A .env file in the working directory, if present, feeds the environment layer
// without overriding variables already set. An empty path skips the file layer;
// a named file that cannot be read is an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := DefaultConfig()
	if path != "" {
		if err := overlayFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func overlayFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}
