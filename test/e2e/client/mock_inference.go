package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// MockInferenceClient reads call statistics from the mock inference server.
// It talks to the mock directly, not through imagegen.
type MockInferenceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewMockInferenceClient creates a new client for the mock inference server.
func NewMockInferenceClient(baseURL string) *MockInferenceClient {
	return &MockInferenceClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// MockStats contains call statistics from the mock server.
type MockStats struct {
	TotalCalls   int64            `json:"total_calls"`
	CallsByModel map[string]int64 `json:"calls_by_model"`
}

// CapturedRequest is one inference request as the mock saw it.
type CapturedRequest struct {
	Model     string `json:"model"`
	Inputs    string `json:"inputs"`
	CallIndex int    `json:"call_index"`
	Timestamp int64  `json:"timestamp"`
}

// GetStats retrieves call statistics.
func (c *MockInferenceClient) GetStats(ctx context.Context) (*MockStats, error) {
	var stats MockStats
	if err := c.getJSON(ctx, "/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ModelCalls returns how many calls the mock has served for model.
func (c *MockInferenceClient) ModelCalls(ctx context.Context, model string) (int64, error) {
	stats, err := c.GetStats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.CallsByModel[model], nil
}

// GetRequest returns the captured request for a model's callIndex (1-indexed).
func (c *MockInferenceClient) GetRequest(ctx context.Context, model string, callIndex int) (*CapturedRequest, error) {
	q := url.Values{}
	q.Set("model", model)
	q.Set("call", strconv.Itoa(callIndex))

	var resp struct {
		RequestsByModel map[string][]CapturedRequest `json:"requests_by_model"`
	}
	if err := c.getJSON(ctx, "/requests?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	reqs := resp.RequestsByModel[model]
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no request captured for %s call %d", model, callIndex)
	}
	return &reqs[0], nil
}

func (c *MockInferenceClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
