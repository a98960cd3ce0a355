package generateapi

import (
	"fmt"
	"strings"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// Config holds configuration for the generate-api component.
type Config struct {
	// Prefix is the path prefix handlers are mounted under (default "/").
	Prefix string `json:"prefix" yaml:"prefix"`

	// MaxBodyBytes caps the inbound request body.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:       "/",
		MaxBodyBytes: maxRequestBodySize,
	}
}

// Validate verifies the configuration is consistent.
func (c *Config) Validate() error {
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	if c.Prefix != "" && !strings.HasPrefix(c.Prefix, "/") {
		return fmt.Errorf("prefix must start with /")
	}
	return nil
}
