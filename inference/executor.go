package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// maxImageSize limits the upstream response body to prevent memory exhaustion.
const maxImageSize = 32 * 1024 * 1024 // 32MB

// ErrResponseTooLarge is returned when the upstream body exceeds the size limit.
var ErrResponseTooLarge = errors.New("upstream response exceeds size limit")

// RawResponse is an upstream reply read in full within one attempt's deadline.
type RawResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// ContentType returns the raw Content-Type header.
func (r *RawResponse) ContentType() string {
	return r.Header.Get("Content-Type")
}

// Endpoint identifies the inference model to call.
type Endpoint struct {
	// BaseURL is the inference provider root, e.g. https://api-inference.huggingface.co.
	BaseURL string

	// Model is the model id, e.g. black-forest-labs/FLUX.1-dev.
	Model string
}

// URL returns the full model endpoint URL.
func (e Endpoint) URL() string {
	return strings.TrimRight(e.BaseURL, "/") + "/models/" + strings.TrimLeft(e.Model, "/")
}

// inferenceRequest is the upstream JSON body.
type inferenceRequest struct {
	Inputs string `json:"inputs"`
}

// Executor performs exactly one bounded-time call to the inference endpoint.
// It never retries; the Client owns the attempt loop.
type Executor struct {
	httpClient  *http.Client
	url         string
	apiKey      string
	maxBodySize int
}

// NewExecutor creates an executor for one credential and endpoint.
func NewExecutor(httpClient *http.Client, endpoint Endpoint, apiKey string) *Executor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Executor{
		httpClient:  httpClient,
		url:         endpoint.URL(),
		apiKey:      apiKey,
		maxBodySize: maxImageSize,
	}
}

// Call sends the prompt and reads the full response within timeout.
//
// It returns ErrAttemptTimeout when the attempt's own deadline fires, the
// caller's ctx.Err() when the caller went away, and a wrapped transport error
// otherwise. Non-2xx statuses are not errors here; they are returned for
// classification.
func (e *Executor) Call(ctx context.Context, prompt string, timeout time.Duration) (*RawResponse, error) {
	body, err := json.Marshal(inferenceRequest{Inputs: prompt})
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, attemptError(ctx, attemptCtx, fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	// Read one byte past the limit so oversize bodies are detected, not truncated.
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, int64(e.maxBodySize)+1))
	if err != nil {
		return nil, attemptError(ctx, attemptCtx, fmt.Errorf("read response body: %w", err))
	}
	if len(respBody) > e.maxBodySize {
		return nil, ErrResponseTooLarge
	}

	return &RawResponse{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   respBody,
	}, nil
}

// attemptError separates the attempt deadline from caller cancellation and
// plain transport failures.
func attemptError(ctx, attemptCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrAttemptTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrAttemptTimeout, err)
	}
	return err
}
