// Package scenarios defines the e2e scenarios run against a live imagegen,
// mock inference server and NATS.
package scenarios

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Scenario is one end-to-end check against the running stack.
type Scenario interface {
	Name() string
	Description() string

	// Setup connects clients and waits for the stack to be ready.
	Setup(ctx context.Context) error

	// Execute runs the stages. A non-nil error means the scenario could not
	// run at all; stage failures are reported in the Result.
	Execute(ctx context.Context) (*Result, error)

	// Teardown releases connections opened in Setup.
	Teardown(ctx context.Context) error
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Result is what one scenario run produced.
type Result struct {
	mu sync.Mutex

	Scenario string        `json:"scenario"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`

	Stages   []StageResult  `json:"stages,omitempty"`
	Metrics  map[string]any `json:"metrics,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// NewResult starts a result for the named scenario.
func NewResult(scenario string) *Result {
	return &Result{
		Scenario: scenario,
		Started:  time.Now(),
		Metrics:  make(map[string]any),
		Details:  make(map[string]any),
	}
}

// Complete stamps the duration.
func (r *Result) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Duration = time.Since(r.Started)
}

// Fail marks the result failed with msg unless an earlier failure is recorded.
func (r *Result) Fail(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Success = false
	if r.Error == "" {
		r.Error = msg
	}
}

// AddWarning records a non-fatal issue.
func (r *Result) AddWarning(warning string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, warning)
}

// SetMetric sets a metric value.
func (r *Result) SetMetric(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Metrics[key] = value
}

// SetDetail passes a value from one stage to a later one.
func (r *Result) SetDetail(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Details[key] = value
}

// GetDetail returns a value set by an earlier stage.
func (r *Result) GetDetail(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	val, ok := r.Details[key]
	return val, ok
}

// GetDetailString returns a string detail.
func (r *Result) GetDetailString(key string) (string, bool) {
	val, ok := r.GetDetail(key)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

func (r *Result) addStage(st StageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stages = append(r.Stages, st)
}

// stage is one named step of a scenario with its own deadline.
type stage struct {
	name    string
	fn      func(ctx context.Context, result *Result) error
	timeout time.Duration
}

// runStages executes stages in order and stops at the first failure.
func runStages(ctx context.Context, result *Result, stages []stage) {
	for _, st := range stages {
		start := time.Now()
		stageCtx, cancel := context.WithTimeout(ctx, st.timeout)
		err := st.fn(stageCtx, result)
		cancel()

		sr := StageResult{Name: st.name, Success: err == nil, Duration: time.Since(start)}
		result.SetMetric(st.name+"_duration_ms", sr.Duration.Milliseconds())
		if err != nil {
			sr.Error = err.Error()
			result.addStage(sr)
			result.Fail(fmt.Sprintf("%s failed: %v", st.name, err))
			return
		}
		result.addStage(sr)
	}
	result.Success = true
}

// Run drives one scenario through setup, execution and teardown. It always
// returns a completed result; teardown failures become warnings.
func Run(ctx context.Context, s Scenario) *Result {
	if err := s.Setup(ctx); err != nil {
		result := NewResult(s.Name())
		result.Fail(fmt.Sprintf("setup: %v", err))
		result.Complete()
		_ = s.Teardown(ctx)
		return result
	}

	result, err := s.Execute(ctx)
	if err != nil {
		result = NewResult(s.Name())
		result.Fail(fmt.Sprintf("execute: %v", err))
		result.Complete()
	}

	if err := s.Teardown(ctx); err != nil {
		result.AddWarning(fmt.Sprintf("teardown: %v", err))
	}
	return result
}
