package inference

import (
	"sync"
	"time"
)

// UpstreamHealth summarizes recent upstream behaviour for the health endpoint.
// It is informational only; the retry loop never consults it.
type UpstreamHealth struct {
	// Warm is true when the most recent generation succeeded.
	Warm bool `json:"warm"`

	// LastSuccess is the time of the last successful generation.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastFailure is the time of the last failed generation.
	LastFailure time.Time `json:"last_failure,omitempty"`

	// LastFailureReason is the reason recorded with LastFailure.
	LastFailureReason string `json:"last_failure_reason,omitempty"`

	// FailureCount is the number of consecutive failed generations.
	FailureCount int `json:"failure_count"`

	// LastEstimatedWait is the most recent cold-start estimate from the upstream.
	LastEstimatedWait time.Duration `json:"last_estimated_wait,omitempty"`
}

// healthState stores the upstream health view.
type healthState struct {
	mu     sync.RWMutex
	status UpstreamHealth
}

// markSuccess records a successful generation.
func (h *healthState) markSuccess(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.status.Warm = true
	h.status.LastSuccess = now
	h.status.FailureCount = 0
}

// markFailure records a failed generation.
func (h *healthState) markFailure(now time.Time, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.status.Warm = false
	h.status.LastFailure = now
	h.status.LastFailureReason = reason
	h.status.FailureCount++
}

// markEstimate records a cold-start estimate reported by the upstream.
func (h *healthState) markEstimate(hint time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.status.Warm = false
	h.status.LastEstimatedWait = hint
}

// snapshot returns a copy of the current view.
func (h *healthState) snapshot() UpstreamHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}
