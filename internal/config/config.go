package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every externally tunable constant of the connectivity core,
// loaded from environment variables. An optional YAML file can overlay
// values on top (see ApplyFile).
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Backend endpoints
	APIBaseURL  string `envconfig:"CHAT_API_BASE_URL" default:"https://chat.emberapp.dev"`
	RealtimeURL string `envconfig:"CHAT_REALTIME_URL" default:"wss://chat.emberapp.dev/ws"`

	// Connection lifecycle
	RealtimeInitTimeout  time.Duration `envconfig:"CHAT_REALTIME_INIT_TIMEOUT" default:"5s"`
	ReconnectBaseDelay   time.Duration `envconfig:"CHAT_RECONNECT_BASE_DELAY" default:"2s"`
	ReconnectMaxDelay    time.Duration `envconfig:"CHAT_RECONNECT_MAX_DELAY" default:"30m"`
	MaxReconnectAttempts int           `envconfig:"CHAT_MAX_RECONNECT_ATTEMPTS" default:"10"`
	HealthCheckInterval  time.Duration `envconfig:"CHAT_HEALTH_CHECK_INTERVAL" default:"30s"`

	// Delivery and fallback
	PollInterval  time.Duration `envconfig:"CHAT_POLL_INTERVAL" default:"10s"`
	SendQueueSize int           `envconfig:"CHAT_SEND_QUEUE_SIZE" default:"10"`
	NonceWindow   int           `envconfig:"CHAT_NONCE_WINDOW" default:"512"`

	// Local cache
	StorePath string `envconfig:"CHAT_STORE_PATH" default:"chatlink.db"`

	// Diagnostics
	DiagListenAddr string `envconfig:"CHAT_DIAG_LISTEN_ADDR" default:":8099"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the connection state machine cannot operate with.
func (c *Config) Validate() error {
	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("reconnect base delay must be positive, got %s", c.ReconnectBaseDelay)
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("reconnect max delay %s below base delay %s", c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("max reconnect attempts must be >= 1, got %d", c.MaxReconnectAttempts)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive, got %s", c.HealthCheckInterval)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("send queue size must be >= 1, got %d", c.SendQueueSize)
	}
	return nil
}
