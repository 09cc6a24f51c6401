package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/chatlink/internal/retry"
)

// Prefix is prepended to every environment variable, e.g. CHATLINK_LOG_LEVEL.
const Prefix = "CHATLINK"

// Config holds all application configuration. Values come from environment
// variables and may be overridden by a YAML file.
type Config struct {
	// General
	Environment   string `envconfig:"ENVIRONMENT" default:"development" yaml:"environment"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`
	LogMaxEntries int    `envconfig:"LOG_MAX_ENTRIES" default:"1000" yaml:"log_max_entries"`

	// Realtime connection
	WebSocketURL string `envconfig:"WEBSOCKET_URL" default:"ws://localhost:8000/ws" yaml:"websocket_url"`
	ProjectID    string `envconfig:"PROJECT_ID" yaml:"project_id"`
	SessionID    string `envconfig:"SESSION_ID" yaml:"session_id"`
	AccessToken  string `envconfig:"ACCESS_TOKEN" yaml:"access_token"`

	// Reconnect
	ReconnectStrategy    string          `envconfig:"RECONNECT_STRATEGY" default:"table" yaml:"reconnect_strategy"` // "table" or "exponential"
	ReconnectIntervals   []time.Duration `envconfig:"RECONNECT_INTERVALS" default:"1s,2s,5s,10s,30s" yaml:"reconnect_intervals"`
	ReconnectBaseDelay   time.Duration   `envconfig:"RECONNECT_BASE_DELAY" default:"1s" yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration   `envconfig:"RECONNECT_MAX_DELAY" default:"30s" yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int             `envconfig:"MAX_RECONNECT_ATTEMPTS" default:"5" yaml:"max_reconnect_attempts"` // 0 disables automatic reconnects

	// Heartbeat
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s" yaml:"heartbeat_interval"`
	PongTimeout       time.Duration `envconfig:"PONG_TIMEOUT" default:"60s" yaml:"pong_timeout"`
	DialTimeout       time.Duration `envconfig:"DIAL_TIMEOUT" default:"10s" yaml:"dial_timeout"`

	// Message queue
	QueueSize       int           `envconfig:"QUEUE_SIZE" default:"100" yaml:"queue_size"`
	QueueMaxRetries int           `envconfig:"QUEUE_MAX_RETRIES" default:"3" yaml:"queue_max_retries"` // 0 delivers at most once
	QueueTimeout    time.Duration `envconfig:"QUEUE_TIMEOUT" default:"10s" yaml:"queue_timeout"`

	// Dead letters; an empty path disables persistence.
	DeadLetterPath      string        `envconfig:"DEADLETTER_PATH" yaml:"deadletter_path"`
	DeadLetterRetention time.Duration `envconfig:"DEADLETTER_RETENTION" default:"168h" yaml:"deadletter_retention"`

	// Status API
	StatusAddr string `envconfig:"STATUS_ADDR" default:":8091" yaml:"status_addr"`
}

// IsDevelopment reports whether human-readable console logging is wanted.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// StatusEnabled returns true if the status API should listen.
func (c *Config) StatusEnabled() bool {
	return c.StatusAddr != "" && c.StatusAddr != "off"
}

// DeadLettersEnabled returns true if dropped messages should be persisted.
func (c *Config) DeadLettersEnabled() bool {
	return c.DeadLetterPath != ""
}

// BackoffPolicy builds the reconnect delay policy.
func (c *Config) BackoffPolicy() (retry.Policy, error) {
	return retry.NewPolicy(c.ReconnectStrategy, c.ReconnectIntervals, c.ReconnectBaseDelay, c.ReconnectMaxDelay)
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	u, err := url.Parse(c.WebSocketURL)
	if err != nil {
		return fmt.Errorf("invalid websocket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("websocket url must use ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("websocket url %q has no host", c.WebSocketURL)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must be >= 0, got %d", c.MaxReconnectAttempts)
	}
	if c.HeartbeatInterval < 0 || c.PongTimeout < 0 || c.DialTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.PongTimeout > 0 && c.HeartbeatInterval > 0 && c.PongTimeout < c.HeartbeatInterval {
		return fmt.Errorf("pong timeout %s is shorter than heartbeat interval %s", c.PongTimeout, c.HeartbeatInterval)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	if c.QueueMaxRetries < 0 {
		return fmt.Errorf("queue max retries must be >= 0, got %d", c.QueueMaxRetries)
	}
	if c.LogMaxEntries <= 0 {
		return fmt.Errorf("log max entries must be positive, got %d", c.LogMaxEntries)
	}
	if _, err := c.BackoffPolicy(); err != nil {
		return err
	}
	return nil
}

// Load reads configuration from CHATLINK_* environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix(Prefix)
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}

// LoadFile reads the environment and then overlays the YAML file at path.
// Keys present in the file win over the environment.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}
