// Package testutil provides test utilities for the inference package.
// It includes a scripted fake inference upstream and a mock generator.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/imagegen/inference"
)

// MockGenerator is a thread-safe mock of the generation client.
// It captures the request passed to Generate() and returns configured results.
//
// Usage:
//
//	// Success
//	mock := &MockGenerator{Image: &inference.Image{Data: png, ContentType: "image/png"}}
//
//	// Budget exhausted
//	mock := &MockGenerator{Err: &inference.BudgetExceededError{LastReason: "loading"}}
type MockGenerator struct {
	mu              sync.Mutex
	capturedContext context.Context
	capturedRequest inference.GenerationRequest
	Image           *inference.Image // Image to return on success
	Err             error            // Error to return (takes precedence over Image)
	callCount       int
}

// Generate returns Err if set, otherwise Image.
func (m *MockGenerator) Generate(ctx context.Context, req inference.GenerationRequest) (*inference.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.capturedContext = ctx
	m.capturedRequest = req
	m.callCount++

	if m.Err != nil {
		return nil, m.Err
	}
	return m.Image, nil
}

// GetCapturedContext returns the last context passed to Generate().
func (m *MockGenerator) GetCapturedContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturedContext
}

// GetCapturedRequest returns the last request passed to Generate().
func (m *MockGenerator) GetCapturedRequest() inference.GenerationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturedRequest
}

// GetCallCount returns the number of times Generate() was called.
func (m *MockGenerator) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}
