package inference

import (
	"errors"
	"fmt"
	"time"
)

// Error types for classifying generation failures.

// ErrAttemptTimeout is returned by the executor when a single attempt exceeds its
// per-attempt timeout while the caller's context is still live.
var ErrAttemptTimeout = errors.New("upstream attempt timed out")

// ClientInputError reports an invalid generation request. It is never retried.
type ClientInputError struct {
	Message string
}

func (e *ClientInputError) Error() string {
	return e.Message
}

// NewClientInputError creates a client input error.
func NewClientInputError(msg string) error {
	return &ClientInputError{Message: msg}
}

// ConfigurationError reports a missing or invalid server-side setting.
type ConfigurationError struct {
	err error
}

func (e *ConfigurationError) Error() string {
	return e.err.Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.err
}

// NewConfigurationError wraps an error as a configuration error.
func NewConfigurationError(err error) error {
	return &ConfigurationError{err: err}
}

// TerminalUpstreamError is a non-retryable upstream failure.
type TerminalUpstreamError struct {
	// Reason is the parsed upstream error message, or raw text if it did not parse.
	Reason string

	// Status is the upstream HTTP status.
	Status int

	// Attempts is how many upstream calls were made.
	Attempts int
}

func (e *TerminalUpstreamError) Error() string {
	return fmt.Sprintf("inference API error (status %d): %s", e.Status, e.Reason)
}

// BudgetExceededError reports that retries ran out before the upstream produced an image.
type BudgetExceededError struct {
	// LastReason is the reason of the final retryable outcome.
	LastReason string

	// LastStatus is the upstream status of the final attempt (0 for transport failures).
	LastStatus int

	// Attempts is how many upstream calls were made.
	Attempts int

	// Elapsed is the wall time spent since the first attempt.
	Elapsed time.Duration

	// RetryAfter is the delay the loop would have waited next.
	RetryAfter time.Duration
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("model still initializing after %d attempts in %s (last: %s)",
		e.Attempts, e.Elapsed.Round(time.Millisecond), e.LastReason)
}

// TimedOut reports whether the final attempt failed on its own deadline.
func (e *BudgetExceededError) TimedOut() bool {
	return e.LastReason == ReasonTimeout
}

// IsClientInput returns true if the error was caused by the caller's request.
func IsClientInput(err error) bool {
	var target *ClientInputError
	return errors.As(err, &target)
}

// IsConfiguration returns true if the error is a configuration error.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsTerminal returns true if the upstream failed in a way that must not be retried.
func IsTerminal(err error) bool {
	var target *TerminalUpstreamError
	return errors.As(err, &target)
}

// IsBudgetExceeded returns true if retries were exhausted.
func IsBudgetExceeded(err error) bool {
	var target *BudgetExceededError
	return errors.As(err, &target)
}
