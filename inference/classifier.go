package inference

import (
	"encoding/json"
	"errors"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxReasonLength truncates raw upstream error text surfaced to callers.
const maxReasonLength = 200

// upstreamError is the JSON error envelope used by the inference API.
// "error" is usually a string but some models return a list of strings.
type upstreamError struct {
	Error         json.RawMessage `json:"error"`
	EstimatedTime *float64        `json:"estimated_time"`
}

// Classify turns one attempt's result into an Outcome. The decision order is:
//
//  1. attempt timeout                      -> retryable "timeout"
//  2. other transport failure              -> retryable "connection-error"
//  3. 503 with estimated_time/Retry-After  -> retryable "loading" with hint
//  4. 500 or 503                           -> retryable "server-busy"
//  5. 504                                  -> retryable "gateway-timeout"
//  6. other non-2xx                        -> terminal, parsed error or raw text
//  7. 2xx, non-image content type          -> terminal "invalid-response" (500)
//  8. 2xx, image, empty body               -> retryable "empty-payload"
//  9. 2xx, image, non-empty body           -> success
func Classify(resp *RawResponse, err error) Outcome {
	if err != nil {
		switch {
		case errors.Is(err, ErrAttemptTimeout):
			return Retryable(ReasonTimeout, 0, 0)
		case errors.Is(err, ErrResponseTooLarge):
			return Terminal(ReasonInvalidResponse, http.StatusInternalServerError)
		default:
			return Retryable(ReasonConnection, 0, 0)
		}
	}

	status := resp.Status
	if status < 200 || status > 299 {
		return classifyHTTPError(resp)
	}

	mediaType, _, parseErr := mime.ParseMediaType(resp.ContentType())
	if parseErr != nil || !strings.HasPrefix(mediaType, "image/") {
		return Terminal(ReasonInvalidResponse, http.StatusInternalServerError)
	}

	if len(resp.Body) == 0 {
		return Retryable(ReasonEmptyPayload, status, 0)
	}

	return Success(resp.Body, mediaType)
}

// classifyHTTPError handles non-2xx responses.
func classifyHTTPError(resp *RawResponse) Outcome {
	status := resp.Status

	switch status {
	case http.StatusServiceUnavailable:
		if hint := loadingHint(resp); hint > 0 {
			return Retryable(ReasonLoading, status, hint)
		}
		return Retryable(ReasonServerBusy, status, 0)
	case http.StatusInternalServerError:
		return Retryable(ReasonServerBusy, status, 0)
	case http.StatusGatewayTimeout:
		return Retryable(ReasonGatewayTimeout, status, 0)
	default:
		return Terminal(errorReason(status, resp.Body), status)
	}
}

// loadingHint extracts the cold-start estimate from the body, falling back to a
// delta-seconds Retry-After header.
func loadingHint(resp *RawResponse) time.Duration {
	var body upstreamError
	if err := json.Unmarshal(resp.Body, &body); err == nil && body.EstimatedTime != nil && *body.EstimatedTime > 0 {
		return secondsToDuration(*body.EstimatedTime)
	}

	if value := resp.Header.Get("Retry-After"); value != "" {
		if seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && seconds > 0 {
			return secondsToDuration(float64(seconds))
		}
	}
	return 0
}

// maxHintSeconds is the largest wait a time.Duration can hold.
const maxHintSeconds = float64(math.MaxInt64) / float64(time.Second)

// secondsToDuration converts a positive wait, saturating instead of
// overflowing. NextDelay clamps the result to the policy's MaxDelay.
func secondsToDuration(secs float64) time.Duration {
	if secs >= maxHintSeconds {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs * float64(time.Second))
}

// errorReason surfaces the JSON "error" field when present, otherwise the raw text.
func errorReason(status int, body []byte) string {
	var env upstreamError
	if err := json.Unmarshal(body, &env); err == nil && len(env.Error) > 0 {
		var msg string
		if err := json.Unmarshal(env.Error, &msg); err == nil && msg != "" {
			return msg
		}
		var msgs []string
		if err := json.Unmarshal(env.Error, &msgs); err == nil && len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return http.StatusText(status)
	}
	if len(text) > maxReasonLength {
		text = text[:maxReasonLength] + "..."
	}
	return text
}
