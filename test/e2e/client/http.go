// Package client provides the HTTP and NATS clients e2e scenarios drive.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ImagegenClient calls the imagegen HTTP boundary.
type ImagegenClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewImagegenClient creates a client. The timeout must cover a whole
// cold-start retry sequence.
func NewImagegenClient(baseURL string, timeout time.Duration) *ImagegenClient {
	return &ImagegenClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GenerateResult is what a /generate call returned.
type GenerateResult struct {
	StatusCode  int
	ContentType string
	RetryAfter  string
	RequestID   string
	Body        []byte
	Elapsed     time.Duration
}

// ErrorBody decodes the JSON error payload, if any.
func (r *GenerateResult) ErrorBody() (*ErrorBody, error) {
	var body ErrorBody
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return nil, fmt.Errorf("decode error body: %w", err)
	}
	return &body, nil
}

// ErrorBody mirrors the error payload imagegen writes.
type ErrorBody struct {
	Error          string `json:"error"`
	Details        string `json:"details,omitempty"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

// Health mirrors the /health payload.
type Health struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Upstream      *struct {
		Warm              bool   `json:"warm"`
		LastFailureReason string `json:"last_failure_reason,omitempty"`
		FailureCount      int    `json:"failure_count"`
	} `json:"upstream,omitempty"`
}

// Generate posts a prompt. A fresh request ID is sent so events can be
// correlated.
func (c *ImagegenClient) Generate(ctx context.Context, prompt string) (*GenerateResult, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.Do(ctx, http.MethodPost, "application/json", body, uuid.NewString())
}

// Do sends a raw request to /generate.
func (c *ImagegenClient) Do(ctx context.Context, method, contentType string, body []byte, requestID string) (*GenerateResult, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &GenerateResult{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		RetryAfter:  resp.Header.Get("Retry-After"),
		RequestID:   resp.Header.Get("X-Request-ID"),
		Body:        data,
		Elapsed:     time.Since(start),
	}, nil
}

// GetHealth fetches /health. Non-200 statuses still decode.
func (c *ImagegenClient) GetHealth(ctx context.Context) (*Health, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode health: %w", err)
	}
	return &health, resp.StatusCode, nil
}

// WaitForHealthy polls /health until imagegen reports running.
func (c *ImagegenClient) WaitForHealthy(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, status, err := c.GetHealth(ctx); err == nil && status == http.StatusOK {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("imagegen not healthy: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
