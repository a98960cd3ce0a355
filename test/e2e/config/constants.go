// Package config provides configuration constants for e2e tests.
package config

import "time"

// Default connection URLs.
const (
	DefaultImagegenURL = "http://localhost:8080"
	DefaultMockURL     = "http://localhost:8090"
	DefaultNATSURL     = "nats://localhost:4222"
)

// Default timeouts.
const (
	DefaultRequestTimeout = 90 * time.Second
	DefaultSetupTimeout   = 60 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultWaitTimeout    = 10 * time.Second
)

// DefaultModel is the model the compose stack points imagegen at. The
// fixtures under test/e2e/fixtures script its cold start.
const DefaultModel = "black-forest-labs/FLUX.1-dev"

// GenerationSubject is where imagegen publishes one record per generation.
const GenerationSubject = "imagegen.generation"

// Config holds the e2e test configuration.
type Config struct {
	ImagegenURL    string        `json:"imagegen_url"`
	MockURL        string        `json:"mock_url"`
	NATSURL        string        `json:"nats_url"`
	Model          string        `json:"model"`
	RequestTimeout time.Duration `json:"request_timeout"`
	SetupTimeout   time.Duration `json:"setup_timeout"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		ImagegenURL:    DefaultImagegenURL,
		MockURL:        DefaultMockURL,
		NATSURL:        DefaultNATSURL,
		Model:          DefaultModel,
		RequestTimeout: DefaultRequestTimeout,
		SetupTimeout:   DefaultSetupTimeout,
	}
}
