// Package config provides configuration loading and management for imagegen.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/imagegen/inference"
	"gopkg.in/yaml.v3"
)

// Config represents the complete imagegen configuration
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Inference InferenceConfig         `yaml:"inference"`
	Retry     inference.BackoffPolicy `yaml:"retry"`
	Events    EventsConfig            `yaml:"events"`
	Metrics   MetricsConfig           `yaml:"metrics"`
}

// ServerConfig configures the inbound HTTP server
type ServerConfig struct {
	// Addr is the listen address (default: :8080)
	Addr string `yaml:"addr"`
	// MaxConnections caps concurrent inbound connections (0 = unlimited)
	MaxConnections int `yaml:"max_connections"`
	// ReadHeaderTimeout bounds how long a client may take to send headers
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	// ShutdownTimeout is how long in-flight requests get to finish on shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// InferenceConfig configures the upstream inference API
type InferenceConfig struct {
	// BaseURL is the inference API root; the model id is appended under /models/
	BaseURL string `yaml:"base_url"`
	// Model is the hosted model id (e.g., "black-forest-labs/FLUX.1-dev")
	Model string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the API credential
	APIKeyEnv string `yaml:"api_key_env"`
}

// EventsConfig configures generation record publishing
type EventsConfig struct {
	// NATSURL is the NATS server URL (empty = publishing disabled)
	NATSURL string `yaml:"nats_url"`
	// Subject is the subject records are published on
	Subject string `yaml:"subject"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Enabled toggles /metrics; nil means the default (enabled)
	Enabled *bool `yaml:"enabled,omitempty"`
	// Path is the HTTP path metrics are served on
	Path string `yaml:"path"`
}

// IsEnabled reports whether metrics are enabled.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			MaxConnections:    0,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Inference: InferenceConfig{
			BaseURL:   "https://api-inference.huggingface.co",
			Model:     "black-forest-labs/FLUX.1-dev",
			APIKeyEnv: "HUGGINGFACE_API_KEY",
		},
		Retry: inference.DefaultBackoffPolicy(),
		Events: EventsConfig{
			NATSURL: "", // Disabled
			Subject: inference.DefaultEventSubject,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}
	if c.Inference.BaseURL == "" {
		return fmt.Errorf("inference.base_url is required")
	}
	if c.Inference.Model == "" {
		return fmt.Errorf("inference.model is required")
	}
	if c.Inference.APIKeyEnv == "" {
		return fmt.Errorf("inference.api_key_env is required")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if c.Events.NATSURL != "" && c.Events.Subject == "" {
		return fmt.Errorf("events.subject is required when events.nats_url is set")
	}
	if c.Metrics.IsEnabled() && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	return nil
}

// Endpoint returns the inference endpoint described by the config.
func (c *Config) Endpoint() inference.Endpoint {
	return inference.Endpoint{BaseURL: c.Inference.BaseURL, Model: c.Inference.Model}
}

// LoadFromFile loads configuration from a YAML file.
// ${VAR} and ${VAR:-default} references are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal([]byte(ExpandEnvWithDefaults(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.MaxConnections != 0 {
		c.Server.MaxConnections = other.Server.MaxConnections
	}
	if other.Server.ReadHeaderTimeout != 0 {
		c.Server.ReadHeaderTimeout = other.Server.ReadHeaderTimeout
	}
	if other.Server.ShutdownTimeout != 0 {
		c.Server.ShutdownTimeout = other.Server.ShutdownTimeout
	}

	// Inference
	if other.Inference.BaseURL != "" {
		c.Inference.BaseURL = other.Inference.BaseURL
	}
	if other.Inference.Model != "" {
		c.Inference.Model = other.Inference.Model
	}
	if other.Inference.APIKeyEnv != "" {
		c.Inference.APIKeyEnv = other.Inference.APIKeyEnv
	}

	// Retry
	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	if other.Retry.BaseDelay != 0 {
		c.Retry.BaseDelay = other.Retry.BaseDelay
	}
	if other.Retry.MaxDelay != 0 {
		c.Retry.MaxDelay = other.Retry.MaxDelay
	}
	if other.Retry.PerAttemptTimeout != 0 {
		c.Retry.PerAttemptTimeout = other.Retry.PerAttemptTimeout
	}
	if other.Retry.OverallBudget != 0 {
		c.Retry.OverallBudget = other.Retry.OverallBudget
	}

	// Events
	if other.Events.NATSURL != "" {
		c.Events.NATSURL = other.Events.NATSURL
	}
	if other.Events.Subject != "" {
		c.Events.Subject = other.Events.Subject
	}

	// Metrics
	if other.Metrics.Enabled != nil {
		enabled := *other.Metrics.Enabled
		c.Metrics.Enabled = &enabled
	}
	if other.Metrics.Path != "" {
		c.Metrics.Path = other.Metrics.Path
	}
}

// ExpandEnvWithDefaults replaces ${VAR} and ${VAR:-default} with values from
// the environment. An unset or empty VAR takes the default.
func ExpandEnvWithDefaults(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}
