// YAML overlay for Config. Values support environment variable expansion
// via ${VAR} or $VAR syntax.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with pointer fields so an absent key leaves the
// environment-derived value untouched.
type fileConfig struct {
	Environment *string `yaml:"environment"`
	LogLevel    *string `yaml:"log_level"`

	APIBaseURL  *string `yaml:"api_base_url"`
	RealtimeURL *string `yaml:"realtime_url"`

	RealtimeInitTimeout  *time.Duration `yaml:"realtime_init_timeout"`
	ReconnectBaseDelay   *time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    *time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts *int           `yaml:"max_reconnect_attempts"`
	HealthCheckInterval  *time.Duration `yaml:"health_check_interval"`

	PollInterval  *time.Duration `yaml:"poll_interval"`
	SendQueueSize *int           `yaml:"send_queue_size"`
	NonceWindow   *int           `yaml:"nonce_window"`

	StorePath      *string `yaml:"store_path"`
	DiagListenAddr *string `yaml:"diag_listen_addr"`
}

var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}|\$(\w+)`)

// expandEnv replaces ${VAR} and $VAR references with their environment
// values. Unset variables expand to the empty string.
func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[2]
		}
		return os.Getenv(name)
	})
}

// ApplyFile overlays values from a YAML file onto cfg. Keys absent from the
// file keep their current values.
func ApplyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(expandEnv(string(raw))), &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.Environment != nil {
		cfg.Environment = *fc.Environment
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.APIBaseURL != nil {
		cfg.APIBaseURL = *fc.APIBaseURL
	}
	if fc.RealtimeURL != nil {
		cfg.RealtimeURL = *fc.RealtimeURL
	}
	if fc.RealtimeInitTimeout != nil {
		cfg.RealtimeInitTimeout = *fc.RealtimeInitTimeout
	}
	if fc.ReconnectBaseDelay != nil {
		cfg.ReconnectBaseDelay = *fc.ReconnectBaseDelay
	}
	if fc.ReconnectMaxDelay != nil {
		cfg.ReconnectMaxDelay = *fc.ReconnectMaxDelay
	}
	if fc.MaxReconnectAttempts != nil {
		cfg.MaxReconnectAttempts = *fc.MaxReconnectAttempts
	}
	if fc.HealthCheckInterval != nil {
		cfg.HealthCheckInterval = *fc.HealthCheckInterval
	}
	if fc.PollInterval != nil {
		cfg.PollInterval = *fc.PollInterval
	}
	if fc.SendQueueSize != nil {
		cfg.SendQueueSize = *fc.SendQueueSize
	}
	if fc.NonceWindow != nil {
		cfg.NonceWindow = *fc.NonceWindow
	}
	if fc.StorePath != nil {
		cfg.StorePath = *fc.StorePath
	}
	if fc.DiagListenAddr != nil {
		cfg.DiagListenAddr = *fc.DiagListenAddr
	}

	return cfg.Validate()
}
