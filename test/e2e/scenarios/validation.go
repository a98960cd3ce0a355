package scenarios

import (
	"context"
	"fmt"
	"net/http"

	"github.com/c360studio/imagegen/test/e2e/client"
	"github.com/c360studio/imagegen/test/e2e/config"
	"github.com/google/uuid"
)

// ValidationScenario checks that malformed requests are rejected at the
// boundary without reaching the inference API.
type ValidationScenario struct {
	config   *config.Config
	imagegen *client.ImagegenClient
	mock     *client.MockInferenceClient
}

// NewValidationScenario creates the request validation scenario.
func NewValidationScenario(cfg *config.Config) *ValidationScenario {
	return &ValidationScenario{config: cfg}
}

// Name returns the scenario name.
func (s *ValidationScenario) Name() string { return "validation" }

// Description returns the scenario description.
func (s *ValidationScenario) Description() string {
	return "Bad requests get 4xx and never reach the inference API"
}

// Setup waits for imagegen to report healthy.
func (s *ValidationScenario) Setup(ctx context.Context) error {
	s.imagegen = client.NewImagegenClient(s.config.ImagegenURL, s.config.RequestTimeout)
	s.mock = client.NewMockInferenceClient(s.config.MockURL)

	setupCtx, cancel := context.WithTimeout(ctx, s.config.SetupTimeout)
	defer cancel()
	return s.imagegen.WaitForHealthy(setupCtx, config.DefaultPollInterval)
}

// Execute sends each invalid request and checks upstream was untouched.
func (s *ValidationScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.Name())
	defer result.Complete()

	before, err := s.mock.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("read mock stats: %w", err)
	}

	cases := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantError  string
	}{
		{"empty-prompt", http.MethodPost, `{"prompt":"   "}`, http.StatusBadRequest, "Please provide a prompt"},
		{"missing-prompt", http.MethodPost, `{}`, http.StatusBadRequest, "Please provide a prompt"},
		{"malformed-json", http.MethodPost, `{"prompt":`, http.StatusBadRequest, "Invalid request body"},
		{"wrong-method", http.MethodGet, "", http.StatusMethodNotAllowed, ""},
	}

	stages := make([]stage, 0, len(cases)+1)
	for _, tc := range cases {
		stages = append(stages, stage{
			name:    tc.name,
			timeout: config.DefaultWaitTimeout,
			fn: func(ctx context.Context, _ *Result) error {
				requestID := uuid.NewString()
				resp, err := s.imagegen.Do(ctx, tc.method, "application/json", []byte(tc.body), requestID)
				if err != nil {
					return err
				}
				if resp.StatusCode != tc.wantStatus {
					return fmt.Errorf("expected %d, got %d: %s", tc.wantStatus, resp.StatusCode, resp.Body)
				}
				if resp.RequestID != requestID {
					return fmt.Errorf("X-Request-ID not echoed: got %q", resp.RequestID)
				}
				if tc.wantError == "" {
					return nil
				}
				body, err := resp.ErrorBody()
				if err != nil {
					return err
				}
				if body.Error != tc.wantError {
					return fmt.Errorf("expected error %q, got %q", tc.wantError, body.Error)
				}
				return nil
			},
		})
	}
	stages = append(stages, stage{
		name:    "upstream-untouched",
		timeout: config.DefaultWaitTimeout,
		fn: func(ctx context.Context, _ *Result) error {
			after, err := s.mock.GetStats(ctx)
			if err != nil {
				return fmt.Errorf("read mock stats: %w", err)
			}
			if after.TotalCalls != before.TotalCalls {
				return fmt.Errorf("invalid requests reached upstream: %d new calls", after.TotalCalls-before.TotalCalls)
			}
			return nil
		},
	})

	runStages(ctx, result, stages)
	return result, nil
}

// Teardown has nothing to release.
func (s *ValidationScenario) Teardown(_ context.Context) error {
	return nil
}
