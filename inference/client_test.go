package inference_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/imagegen/inference"
	"github.com/c360studio/imagegen/inference/testutil"
	"github.com/c360studio/imagegen/metric"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the client sleeps, so budget accounting is
// deterministic and tests never wait for real backoff.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.slept = append(f.slept, d)
	return nil
}

func (f *fakeClock) Slept() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.slept))
	copy(out, f.slept)
	return out
}

// recordingStore captures generation records.
type recordingStore struct {
	mu      sync.Mutex
	records []*inference.CallRecord
	err     error
}

func (s *recordingStore) Store(_ context.Context, record *inference.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return s.err
}

func (s *recordingStore) Records() []*inference.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*inference.CallRecord(nil), s.records...)
}

func newTestClient(upstream *testutil.Upstream, clock *fakeClock, policy inference.BackoffPolicy, opts ...inference.ClientOption) *inference.Client {
	base := []inference.ClientOption{
		inference.WithPolicy(policy),
		inference.WithSleeper(clock.Sleep),
		inference.WithClock(clock.Now),
	}
	return inference.NewClient(
		inference.Endpoint{BaseURL: upstream.URL(), Model: "black-forest-labs/FLUX.1-dev"},
		inference.StaticCredential("hf_test"),
		append(base, opts...)...,
	)
}

func TestClient_Generate_Success(t *testing.T) {
	upstream := testutil.NewUpstream(t, testutil.ImageResponse("image/png", testutil.PNGBytes))
	clock := newFakeClock()
	client := newTestClient(upstream, clock, testPolicy())

	img, err := client.Generate(context.Background(), inference.GenerationRequest{Prompt: "  a red cube  "})

	require.NoError(t, err)
	assert.Equal(t, testutil.PNGBytes, img.Data)
	assert.Equal(t, "image/png", img.ContentType)
	assert.Equal(t, 1, img.Attempts)
	assert.NotEmpty(t, img.RequestID)
	assert.Equal(t, 1, upstream.Calls())
	assert.Equal(t, "a red cube", upstream.Requests()[0].Inputs)
	assert.Empty(t, clock.Slept())
}

func TestClient_Generate_EmptyPrompt(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	client := newTestClient(upstream, newFakeClock(), testPolicy())

	for _, prompt := range []string{"", "   ", "\n\t"} {
		_, err := client.Generate(context.Background(), inference.GenerationRequest{Prompt: prompt})
		require.Error(t, err)
		assert.True(t, inference.IsClientInput(err))
	}
	assert.Equal(t, 0, upstream.Calls())
}

func TestClient_Generate_MissingCredential(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	client := inference.NewClient(
		inference.Endpoint{BaseURL: upstream.URL(), Model: "m"},
		inference.StaticCredential(""),
	)

	_, err := client.Generate(context.Background(), inference.GenerationRequest{Prompt: "a red cube"})

	require.Error(t, err)
	assert.True(t, inference.IsConfiguration(err))
	assert.Equal(t, 0, upstream.Calls())
	assert.False(t, client.HasCredential())
}

func TestClient_Generate_EnvCredential(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	t.Setenv("IMAGEGEN_TEST_KEY", "hf_from_env")

	client := inference.NewClient(
		inference.Endpoint{BaseURL: upstream.URL(), Model: "m"},
		inference.EnvCredential("IMAGEGEN_TEST_KEY"),
	)

	_, err := client.Generate(context.Background(), inference.GenerationRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer hf_from_env", upstream.Requests()[0].Authorization)
}

func TestClient_Generate_LoadingThenSuccess(t *testing.T) {
	upstream := testutil.NewUpstream(t,
		testutil.LoadingResponse(5),
		testutil.LoadingResponse(5),
		testutil.LoadingResponse(5),
		testutil.ImageResponse("image/png", testutil.PNGBytes),
	)
	clock := newFakeClock()
	client := newTestClient(upstream, clock, testPolicy())

	img, err := client.Generate(context.Background(), inference.GenerationRequest{Prompt: "a red cube"})

	require.NoError(t, err)
	assert.Equal(t, testutil.PNGBytes, img.Data)
	assert.Equal(t, 4, upstream.Calls())
	assert.Equal(t, 4, img.Attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, clock.Slept())
	assert.Equal(t, 15*time.Second, img.Elapsed)
}

func TestClient_Generate_HintClampedToMaxDelay(t *testing.T) {
	upstream := testutil.NewUpstream(t,
		testutil.LoadingResponse(600),
		testutil.ImageResponse("image/png", testutil.PNGBytes),
	)
	clock := newFakeClock()
	client := newTestClient(upstream, clock, testPolicy())

	_, err := client.Generate(context.Background(), inference.GenerationRequest{Prompt: "p"})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{40 * time.Second}, clock.Slept())
	assert.Equal(t, 600*time.Second, client.Health().LastEstimatedWait)
}

func TestClient_Generate_ExponentialBackoffWithoutHint(t *testing.T) {
	upstream := testutil.NewUpstream(t,
		testutil.StatusResponse(http.StatusServiceUnavailable, "busy"),
		testutil.StatusResponse(http.StatusGatewayTimeout, "gateway"),
		testutil.ImageResponse("image/png", nil),
		testutil.ImageResponse("image/png", testutil.PNGBytes),
	)
	clock := newFakeClock()
	client := newTestClient(upstream, clock, testPolicy())

	img, err := client.Generate(context.Background(), inference.GenerationRequest{Prompt: "p"})

	require.NoError(t, err)
	assert.Equal(t, 4, img.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, clock.Slept())
}

func TestClient_Generate_MaxAttemptsExhausted(t *testing.T) {
	upstream := testutil.NewUpstream(t, testutil.StatusResponse(http.StatusServiceUnavailable, "busy"))
	clock := newFakeClock()
	policy := testPolicy()
	policy.MaxAttempts = 3
	client := newTestClient(upstream, clock, policy)

	_, err := client.Generate(context.Background(), inference.GenerationRequest{Prompt: "p"})

	require.Error(t, err)
	var budgetErr *inference.BudgetExceededError
	require.True(t, errors.As(err, &budgetErr))
	assert.Equal(t, 3, budgetErr.Attempts)
	assert.Equal(t, inference.ReasonServerBusy, budgetErr.LastReason)
	assert.Equal(t, http.StatusServiceUnavailable, budgetErr.LastStatus)
	assert.False(t, budgetErr.TimedOut())
	assert.Equal(t, 3, upstream.Calls())
	// No sleep after the final attempt.
	assert.Len(t, clock.Slept(), 2)
}

func TestClient_Generate_BudgetCheckedBeforeSleeping(t *testing.T) {
	upstream := testutil.NewUpstream(t, testutil.LoadingResponse(30))
	clock := newFakeClock()
	policy := testPolicy()
	policy.MaxAttempts = 100
	policy.OverallBudget = 70 * time.Second
	policy.PerAttemptTimeout = 10 * time.Second
	client := newTestClient(upstream, clock, policy)

	_, err := client.Generate(context.Background(), inference.GenerationRequest{Prompt: "p"})

	require.Error(t, err)
	var budgetErr *inference.BudgetExceededError
	require.True(t, errors.As(err, &budgetErr))
	assert.Equal(t, inference.ReasonLoading, budgetErr.LastReason)
	assert.Equal(t, 30*time.Second, budgetErr.RetryAfter)

	// 0s + 30s < 70s, 30s + 30s < 70s, 60s + 30s >= 70s: two waits, three calls.
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, clock.Slept())
	assert.Equal(t, 3, upstream.Calls())
	assert.LessOrEqual(t, budgetErr.Elapsed, policy.OverallBudget)
}

func TestClient_Generate_TerminalStopsImmediately(t *testing.T) {
	upstream := testutil.NewUpstream(t,
		testutil.JSONErrorResponse(http.StatusUnauthorized, "Invalid credentials in Authorization header"),
		testutil.ImageResponse("image/png", testutil.PNGBytes),
	)
	clock := newFakeClock()
	client := newTestClient(upstream, clock, testPolicy())

	_, err := client.Generate(context.Background(), inference.GenerationRequest{Prompt: "p"})

	require.Error(t, err)
	var termErr *inference.TerminalUpstreamError
	require.True(t, errors.As(err, &termErr))
	assert.Equal(t, "Invalid credentials in Authorization header", termErr.Reason)
	assert.Equal(t, http.StatusUnauthorized, termErr.Status)
	assert.Equal(t, 1, termErr.Attempts)
	assert.Equal(t, 1, upstream.Calls())
	assert.Empty(t, clock.Slept())
}

func TestClient_Generate_TerminalAfterRetries(t *testing.T) {
	upstream := testutil.NewUpstream(t,
		testutil.LoadingResponse(1),
		testutil.ImageResponse("application/json", []byte(`{"oops":true}`)),
	)
	client := newTestClient(upstream, newFakeClock(), testPolicy())

	_, err := client.Generate(context.Background(), inference.GenerationRequest{Prompt: "p"})

	var termErr *inference.TerminalUpstreamError
	require.True(t, errors.As(err, &termErr))
	assert.Equal(t, inference.ReasonInvalidResponse, termErr.Reason)
	assert.Equal(t, http.StatusInternalServerError, termErr.Status)
	assert.Equal(t, 2, termErr.Attempts)
}

func TestClient_Generate_RealTimeBudgetBound(t *testing.T) {
	// Every attempt times out; the loop must stop within budget + one attempt.
	upstream := testutil.NewUpstream(t, testutil.Response{
		Status:      http.StatusOK,
		ContentType: "image/png",
		Body:        testutil.PNGBytes,
		Delay:       5 * time.Second,
	})
	policy := inference.BackoffPolicy{
		MaxAttempts:       100,
		BaseDelay:         10 * time.Millisecond,
		MaxDelay:          40 * time.Millisecond,
		PerAttemptTimeout: 60 * time.Millisecond,
		OverallBudget:     300 * time.Millisecond,
	}
	client := inference.NewClient(
		inference.Endpoint{BaseURL: upstream.URL(), Model: "m"},
		inference.StaticCredential("k"),
		inference.WithPolicy(policy),
	)

	start := time.Now()
	_, err := client.Generate(context.Background(), inference.GenerationRequest{Prompt: "p"})
	elapsed := time.Since(start)

	var budgetErr *inference.BudgetExceededError
	require.True(t, errors.As(err, &budgetErr), "got %v", err)
	assert.True(t, budgetErr.TimedOut())
	assert.Less(t, budgetErr.Attempts, policy.MaxAttempts)
	assert.Equal(t, budgetErr.Attempts, upstream.Calls())
	// Generous slack for slow CI schedulers.
	assert.Less(t, elapsed, policy.MaxDuration()+500*time.Millisecond)
}

func TestClient_Generate_CancelledDuringBackoff(t *testing.T) {
	upstream := testutil.NewUpstream(t, testutil.LoadingResponse(30))
	policy := testPolicy()
	client := inference.NewClient(
		inference.Endpoint{BaseURL: upstream.URL(), Model: "m"},
		inference.StaticCredential("k"),
		inference.WithPolicy(policy),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Generate(ctx, inference.GenerationRequest{Prompt: "p"})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, upstream.Calls())
}

func TestClient_Generate_RecordsCalls(t *testing.T) {
	upstream := testutil.NewUpstream(t,
		testutil.LoadingResponse(5),
		testutil.ImageResponse("image/png", testutil.PNGBytes),
	)
	store := &recordingStore{}
	client := newTestClient(upstream, newFakeClock(), testPolicy(), inference.WithCallStore(store))

	ctx := inference.WithRequestID(context.Background(), "req-123")
	img, err := client.Generate(ctx, inference.GenerationRequest{Prompt: "a red cube"})
	require.NoError(t, err)
	assert.Equal(t, "req-123", img.RequestID)

	records := store.Records()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "req-123", rec.RequestID)
	assert.Equal(t, "black-forest-labs/FLUX.1-dev", rec.Model)
	assert.Equal(t, inference.ResultSuccess, rec.Result)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, int64(5000), rec.WaitedMs)
	assert.Equal(t, len("a red cube"), rec.PromptLength)
	assert.Equal(t, len(testutil.PNGBytes), rec.ImageBytes)
	assert.Equal(t, "image/png", rec.ContentType)
	assert.Empty(t, rec.Reason)
}

func TestClient_Generate_StoreFailureIgnored(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	store := &recordingStore{err: errors.New("nats down")}
	client := newTestClient(upstream, newFakeClock(), testPolicy(), inference.WithCallStore(store))

	_, err := client.Generate(context.Background(), inference.GenerationRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Len(t, store.Records(), 1)
}

func TestClient_Health(t *testing.T) {
	upstream := testutil.NewUpstream(t,
		testutil.JSONErrorResponse(http.StatusBadRequest, "bad input"),
		testutil.ImageResponse("image/png", testutil.PNGBytes),
	)
	client := newTestClient(upstream, newFakeClock(), testPolicy())

	_, err := client.Generate(context.Background(), inference.GenerationRequest{Prompt: "p"})
	require.Error(t, err)

	health := client.Health()
	assert.False(t, health.Warm)
	assert.Equal(t, 1, health.FailureCount)
	assert.Equal(t, "bad input", health.LastFailureReason)

	_, err = client.Generate(context.Background(), inference.GenerationRequest{Prompt: "p"})
	require.NoError(t, err)

	health = client.Health()
	assert.True(t, health.Warm)
	assert.Equal(t, 0, health.FailureCount)
	assert.False(t, health.LastSuccess.IsZero())
}

func TestClient_SetPolicy(t *testing.T) {
	client := inference.NewClient(inference.Endpoint{BaseURL: "http://unused", Model: "m"}, nil)
	assert.Equal(t, inference.DefaultBackoffPolicy(), client.Policy())

	p := testPolicy()
	p.MaxAttempts = 9
	require.NoError(t, client.SetPolicy(p))
	assert.Equal(t, 9, client.Policy().MaxAttempts)

	bad := p
	bad.BaseDelay = 0
	err := client.SetPolicy(bad)
	require.Error(t, err)
	assert.True(t, inference.IsConfiguration(err))
	assert.Equal(t, 9, client.Policy().MaxAttempts)
}

func TestClient_Generate_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	metrics, err := inference.NewMetrics(registry)
	require.NoError(t, err)

	upstream := testutil.NewUpstream(t,
		testutil.LoadingResponse(2),
		testutil.ImageResponse("image/png", testutil.PNGBytes),
	)
	client := newTestClient(upstream, newFakeClock(), testPolicy(), inference.WithMetrics(metrics))

	_, err = client.Generate(context.Background(), inference.GenerationRequest{Prompt: "p"})
	require.NoError(t, err)

	count, err := promtestutil.GatherAndCount(registry.PrometheusRegistry(), "imagegen_inference_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count) // retryable/loading and success/none series

	count, err = promtestutil.GatherAndCount(registry.PrometheusRegistry(), "imagegen_inference_generations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	metrics, err := inference.NewMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, metrics)
}
