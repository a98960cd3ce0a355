package inference

import (
	"fmt"
	"time"
)

// BackoffPolicy holds the retry configuration for one generation request.
type BackoffPolicy struct {
	// MaxAttempts is the maximum number of upstream calls per request.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BaseDelay is the wait before the second attempt; it doubles per attempt.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps any single wait, including server-provided hints.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// PerAttemptTimeout bounds one upstream call, body read included.
	PerAttemptTimeout time.Duration `yaml:"per_attempt_timeout" json:"per_attempt_timeout"`

	// OverallBudget bounds the whole attempt sequence, measured from the first attempt.
	OverallBudget time.Duration `yaml:"overall_budget" json:"overall_budget"`
}

// DefaultBackoffPolicy returns defaults tuned for cold-starting inference models.
// A cold FLUX model usually reports an estimated wait of 20-60s.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts:       5,
		BaseDelay:         2 * time.Second,
		MaxDelay:          40 * time.Second,
		PerAttemptTimeout: 45 * time.Second,
		OverallBudget:     3 * time.Minute,
	}
}

// Validate checks the policy invariants.
func (p BackoffPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive, got %s", p.BaseDelay)
	}
	if p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("base_delay (%s) must not exceed max_delay (%s)", p.BaseDelay, p.MaxDelay)
	}
	if p.PerAttemptTimeout <= 0 {
		return fmt.Errorf("per_attempt_timeout must be positive, got %s", p.PerAttemptTimeout)
	}
	if p.PerAttemptTimeout >= p.OverallBudget {
		return fmt.Errorf("per_attempt_timeout (%s) must be less than overall_budget (%s)",
			p.PerAttemptTimeout, p.OverallBudget)
	}
	return nil
}

// MaxDuration is the worst-case wall time of one request under this policy:
// the budget plus one in-flight attempt.
func (p BackoffPolicy) MaxDuration() time.Duration {
	return p.OverallBudget + p.PerAttemptTimeout
}
