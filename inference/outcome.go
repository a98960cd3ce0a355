package inference

import "time"

// OutcomeKind tags the result of a single upstream attempt.
type OutcomeKind int

// Outcome kinds produced by Classify.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeTerminal
)

// String returns the metric/log label for the kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Reasons attached to retryable and terminal outcomes.
const (
	ReasonTimeout         = "timeout"
	ReasonConnection      = "connection-error"
	ReasonLoading         = "loading"
	ReasonServerBusy      = "server-busy"
	ReasonGatewayTimeout  = "gateway-timeout"
	ReasonEmptyPayload    = "empty-payload"
	ReasonInvalidResponse = "invalid-response"
)

// Outcome is the classification of one attempt. Which fields are meaningful
// depends on Kind:
//
//	OutcomeSuccess:   Image, ContentType
//	OutcomeRetryable: Reason, Hint (optional), Status (0 for transport failures)
//	OutcomeTerminal:  Reason, Status
type Outcome struct {
	Kind        OutcomeKind
	Image       []byte
	ContentType string
	Reason      string
	Hint        time.Duration
	Status      int
}

// Success builds a successful outcome.
func Success(image []byte, contentType string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Image: image, ContentType: contentType, Status: 200}
}

// Retryable builds a retryable outcome. hint is zero when the upstream gave none.
func Retryable(reason string, status int, hint time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetryable, Reason: reason, Status: status, Hint: hint}
}

// Terminal builds a terminal outcome.
func Terminal(reason string, status int) Outcome {
	return Outcome{Kind: OutcomeTerminal, Reason: reason, Status: status}
}

// RetryState tracks one request's progress through the attempt loop.
// It is owned by a single Generate call and never shared.
type RetryState struct {
	AttemptIndex int
	Elapsed      time.Duration
	LastError    string
	LastStatus   int
	Waited       time.Duration
}
