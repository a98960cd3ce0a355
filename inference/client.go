// Package inference provides a text-to-image client for hosted inference APIs
// with bounded-time recovery from cold-starting models.
//
// One call to Generate runs a serial attempt loop: each attempt is a single
// bounded HTTP call, its result is classified as success, retryable or
// terminal, and retryable outcomes are retried after a backoff delay until the
// attempt limit or the overall time budget runs out.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// GenerationRequest is one inbound text-to-image request.
type GenerationRequest struct {
	Prompt string `json:"prompt"`
}

// Image is a successfully generated image.
type Image struct {
	// RequestID identifies the generation for log correlation.
	RequestID string

	// Data is the raw image payload.
	Data []byte

	// ContentType is the upstream image media type, e.g. image/png.
	ContentType string

	// Attempts is the number of upstream calls it took.
	Attempts int

	// Elapsed is the time spent from the first attempt to success.
	Elapsed time.Duration
}

// CredentialFunc returns the API credential, or "" when none is configured.
type CredentialFunc func() string

// EnvCredential reads the credential from an environment variable on every call.
func EnvCredential(name string) CredentialFunc {
	return func() string {
		return strings.TrimSpace(os.Getenv(name))
	}
}

// StaticCredential returns a fixed credential.
func StaticCredential(key string) CredentialFunc {
	return func() string {
		return key
	}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Client is the retry orchestrator in front of the inference endpoint.
// It is safe for concurrent use; each Generate call owns its own RetryState.
type Client struct {
	endpoint   Endpoint
	credential CredentialFunc
	httpClient *http.Client
	policy     atomic.Pointer[BackoffPolicy]
	logger     *slog.Logger
	metrics    *Metrics
	health     *healthState
	sleep      Sleeper
	now        func() time.Time

	// callStore optionally receives one record per generation.
	// If nil, call recording is disabled.
	callStore CallRecorder
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. Per-attempt deadlines are applied
// through the request context, so the client should not set its own Timeout
// lower than the policy's PerAttemptTimeout.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithPolicy sets the initial backoff policy.
func WithPolicy(p BackoffPolicy) ClientOption {
	return func(client *Client) {
		client.policy.Store(&p)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) ClientOption {
	return func(client *Client) {
		client.metrics = m
	}
}

// WithCallStore sets the generation record sink.
func WithCallStore(store CallRecorder) ClientOption {
	return func(client *Client) {
		client.callStore = store
	}
}

// WithSleeper replaces the inter-attempt wait. Tests use it to avoid real delays.
func WithSleeper(s Sleeper) ClientOption {
	return func(client *Client) {
		client.sleep = s
	}
}

// WithClock replaces the time source used for budget accounting.
func WithClock(now func() time.Time) ClientOption {
	return func(client *Client) {
		client.now = now
	}
}

// NewClient creates a client for the given endpoint and credential source.
func NewClient(endpoint Endpoint, credential CredentialFunc, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		credential: credential,
		// No client-level Timeout: each attempt carries its own deadline.
		httpClient: &http.Client{},
		logger:     slog.Default(),
		health:     &healthState{},
		sleep:      sleepContext,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.policy.Load() == nil {
		p := DefaultBackoffPolicy()
		c.policy.Store(&p)
	}
	if c.credential == nil {
		c.credential = StaticCredential("")
	}

	return c
}

// Policy returns the current backoff policy.
func (c *Client) Policy() BackoffPolicy {
	return *c.policy.Load()
}

// SetPolicy swaps the backoff policy. Requests already in flight keep the
// policy they started with.
func (c *Client) SetPolicy(p BackoffPolicy) error {
	if err := p.Validate(); err != nil {
		return NewConfigurationError(fmt.Errorf("invalid backoff policy: %w", err))
	}
	c.policy.Store(&p)
	return nil
}

// Health returns a snapshot of the upstream health view.
func (c *Client) Health() UpstreamHealth {
	return c.health.snapshot()
}

// Endpoint returns the configured endpoint.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// HasCredential reports whether a credential is currently available.
func (c *Client) HasCredential() bool {
	return c.credential() != ""
}

// Generate runs the attempt loop for one prompt.
//
// It returns the image on success. Failures are a *ClientInputError,
// *ConfigurationError, *TerminalUpstreamError, *BudgetExceededError, or the
// context's error when the caller went away.
func (c *Client) Generate(ctx context.Context, req GenerationRequest) (*Image, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, NewClientInputError("Please provide a prompt")
	}

	apiKey := c.credential()
	if apiKey == "" {
		return nil, NewConfigurationError(errors.New("inference API credential is not configured"))
	}

	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	policy := c.Policy()
	executor := NewExecutor(c.httpClient, c.endpoint, apiKey)
	logger := c.logger.With("request_id", requestID, "model", c.endpoint.Model)

	logger.Info("Starting generation", "prompt_length", len(prompt), "max_attempts", policy.MaxAttempts)

	startedAt := c.now()
	state := RetryState{}

	for {
		attemptStart := c.now()
		logger.Debug("Sending inference request", "attempt", state.AttemptIndex+1)

		resp, err := executor.Call(ctx, prompt, policy.PerAttemptTimeout)
		if ctx.Err() != nil {
			state.Elapsed = c.now().Sub(startedAt)
			logger.Warn("Generation cancelled by caller", "attempts", state.AttemptIndex+1, "error", ctx.Err())
			c.finish(ctx, requestID, prompt, startedAt, state, ResultCancelled, nil)
			return nil, ctx.Err()
		}

		outcome := Classify(resp, err)
		c.metrics.recordAttempt(outcome, c.now().Sub(attemptStart))
		state.LastStatus = outcome.Status

		switch outcome.Kind {
		case OutcomeSuccess:
			state.Elapsed = c.now().Sub(startedAt)
			img := &Image{
				RequestID:   requestID,
				Data:        outcome.Image,
				ContentType: outcome.ContentType,
				Attempts:    state.AttemptIndex + 1,
				Elapsed:     state.Elapsed,
			}
			logger.Info("Generation succeeded",
				"attempts", img.Attempts,
				"elapsed", state.Elapsed,
				"bytes", len(img.Data),
				"content_type", img.ContentType)
			c.finish(ctx, requestID, prompt, startedAt, state, ResultSuccess, img)
			return img, nil

		case OutcomeTerminal:
			state.LastError = outcome.Reason
			state.Elapsed = c.now().Sub(startedAt)
			logger.Error("Inference request failed",
				"attempts", state.AttemptIndex+1,
				"status", outcome.Status,
				"reason", outcome.Reason,
				"error", err)
			c.finish(ctx, requestID, prompt, startedAt, state, ResultTerminal, nil)
			return nil, &TerminalUpstreamError{
				Reason:   outcome.Reason,
				Status:   outcome.Status,
				Attempts: state.AttemptIndex + 1,
			}
		}

		// Retryable.
		state.LastError = outcome.Reason
		if outcome.Hint > 0 {
			c.health.markEstimate(outcome.Hint)
		}

		delay := NextDelay(policy, state.AttemptIndex, outcome.Hint)
		state.Elapsed = c.now().Sub(startedAt)

		if state.AttemptIndex+1 >= policy.MaxAttempts || state.Elapsed+delay >= policy.OverallBudget {
			logger.Warn("Retry budget exhausted",
				"attempts", state.AttemptIndex+1,
				"elapsed", state.Elapsed,
				"next_delay", delay,
				"status", outcome.Status,
				"reason", outcome.Reason)
			c.finish(ctx, requestID, prompt, startedAt, state, ResultBudgetExceeded, nil)
			return nil, &BudgetExceededError{
				LastReason: outcome.Reason,
				LastStatus: outcome.Status,
				Attempts:   state.AttemptIndex + 1,
				Elapsed:    state.Elapsed,
				RetryAfter: delay,
			}
		}

		logger.Warn("Inference attempt failed, retrying",
			"attempt", state.AttemptIndex+1,
			"max_attempts", policy.MaxAttempts,
			"status", outcome.Status,
			"reason", outcome.Reason,
			"hint", outcome.Hint,
			"backoff", delay,
			"error", err)

		if err := c.sleep(ctx, delay); err != nil {
			state.Elapsed = c.now().Sub(startedAt)
			logger.Warn("Generation cancelled during backoff", "attempts", state.AttemptIndex+1, "error", err)
			c.finish(ctx, requestID, prompt, startedAt, state, ResultCancelled, nil)
			return nil, err
		}
		c.metrics.recordWait(delay)
		state.Waited += delay
		state.AttemptIndex++
	}
}

// finish updates metrics and health and records the generation.
func (c *Client) finish(ctx context.Context, requestID, prompt string, startedAt time.Time, state RetryState, result string, img *Image) {
	completedAt := c.now()
	attempts := state.AttemptIndex + 1

	c.metrics.recordGeneration(result, attempts, completedAt.Sub(startedAt))

	switch result {
	case ResultSuccess:
		c.health.markSuccess(completedAt)
	case ResultTerminal, ResultBudgetExceeded:
		c.health.markFailure(completedAt, state.LastError)
	}

	record := &CallRecord{
		RequestID:      requestID,
		Model:          c.endpoint.Model,
		PromptLength:   len(prompt),
		Result:         result,
		Reason:         state.LastError,
		UpstreamStatus: state.LastStatus,
		Attempts:       attempts,
		WaitedMs:       state.Waited.Milliseconds(),
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
		DurationMs:     completedAt.Sub(startedAt).Milliseconds(),
	}
	if img != nil {
		record.ImageBytes = len(img.Data)
		record.ContentType = img.ContentType
		record.Reason = ""
	}

	c.recordCall(ctx, record)
}

// recordCall stores a generation record if the call store is configured.
// Failures are logged but don't affect the generation itself.
func (c *Client) recordCall(ctx context.Context, record *CallRecord) {
	if c.callStore == nil {
		return
	}

	// The request context may already be cancelled; recording should still happen.
	if err := c.callStore.Store(context.WithoutCancel(ctx), record); err != nil {
		c.logger.Warn("Failed to record generation",
			"request_id", record.RequestID,
			"result", record.Result,
			"error", err)
	}
}

// sleepContext waits for d with context cancellation support.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
