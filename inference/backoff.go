package inference

import "time"

// NextDelay computes the wait after a failed attempt.
//
// Without a hint the delay is min(BaseDelay * 2^attemptIndex, MaxDelay). A positive
// hint (the upstream's own estimate of when the model is ready) replaces the
// exponential value for this attempt only, still capped at MaxDelay.
func NextDelay(p BackoffPolicy, attemptIndex int, hint time.Duration) time.Duration {
	if hint > 0 {
		return min(hint, p.MaxDelay)
	}

	if attemptIndex < 0 {
		attemptIndex = 0
	}
	// Shifting past 62 bits always overflows.
	if attemptIndex > 62 {
		return p.MaxDelay
	}

	delay := p.BaseDelay << attemptIndex
	if delay <= 0 || delay > p.MaxDelay || delay>>attemptIndex != p.BaseDelay {
		return p.MaxDelay
	}
	return delay
}
