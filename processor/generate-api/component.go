// Package generateapi provides the HTTP boundary for image generation.
// It validates inbound requests, delegates to the retrying inference client,
// and maps generation outcomes to HTTP responses.
package generateapi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/imagegen/inference"
)

// Generator produces an image for a prompt.
type Generator interface {
	Generate(ctx context.Context, req inference.GenerationRequest) (*inference.Image, error)
}

// credentialChecker is implemented by generators that can report a missing credential
// before any work is done.
type credentialChecker interface {
	HasCredential() bool
}

// healthReporter is implemented by generators that track upstream health.
type healthReporter interface {
	Health() inference.UpstreamHealth
}

// Component implements the generate-api component.
type Component struct {
	name      string
	config    Config
	generator Generator
	logger    *slog.Logger

	// Lifecycle state machine
	// States: 0=stopped, 1=running
	state     atomic.Int32
	startTime time.Time
	mu        sync.RWMutex
}

const (
	stateStopped = 0
	stateRunning = 1
)

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewComponent constructs a generate-api Component.
func NewComponent(config Config, generator Generator, opts ...Option) (*Component, error) {
	if generator == nil {
		return nil, fmt.Errorf("generator required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Component{
		name:      "generate-api",
		config:    config,
		generator: generator,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start marks the component as serving.
func (c *Component) Start(_ context.Context) error {
	if !c.state.CompareAndSwap(stateStopped, stateRunning) {
		return fmt.Errorf("component already running")
	}

	c.mu.Lock()
	c.startTime = time.Now()
	c.mu.Unlock()

	c.logger.Info("generate-api started", "prefix", c.config.Prefix)
	return nil
}

// Stop marks the component as stopped. In-flight requests are drained by the
// HTTP server, not here.
func (c *Component) Stop() {
	if c.state.CompareAndSwap(stateRunning, stateStopped) {
		c.logger.Info("generate-api stopped")
	}
}

// Running reports whether the component is serving.
func (c *Component) Running() bool {
	return c.state.Load() == stateRunning
}

// Uptime returns how long the component has been running.
func (c *Component) Uptime() time.Duration {
	if !c.Running() {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.startTime)
}
