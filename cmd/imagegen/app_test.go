package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/imagegen/config"
	"github.com/c360studio/imagegen/inference"
	"github.com/c360studio/imagegen/inference/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyEnv = "IMAGEGEN_TEST_API_KEY"

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	t.Setenv(testKeyEnv, "hf_test")

	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Inference.BaseURL = upstreamURL
	cfg.Inference.Model = "test/model"
	cfg.Inference.APIKeyEnv = testKeyEnv
	cfg.Retry = inference.BackoffPolicy{
		MaxAttempts:       3,
		BaseDelay:         10 * time.Millisecond,
		MaxDelay:          50 * time.Millisecond,
		PerAttemptTimeout: 2 * time.Second,
		OverallBudget:     5 * time.Second,
	}
	return cfg
}

func startApp(t *testing.T, app *App, watchPath string, reload config.ReloadFunc) string {
	t.Helper()
	require.NoError(t, app.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx, watchPath, reload) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("app did not shut down")
		}
		app.Close()
	})

	return "http://" + app.Addr().String()
}

func TestNewApp_RequiresCredential(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Inference.APIKeyEnv = "IMAGEGEN_TEST_UNSET_KEY"
	t.Setenv("IMAGEGEN_TEST_UNSET_KEY", "")

	_, err := NewApp(cfg, slog.Default())
	require.Error(t, err)
	assert.True(t, inference.IsConfiguration(err))
	assert.Contains(t, err.Error(), "IMAGEGEN_TEST_UNSET_KEY")
}

func TestApp_ServesGenerateHealthMetrics(t *testing.T) {
	upstream := testutil.NewUpstream(t,
		testutil.LoadingResponse(0.01),
		testutil.ImageResponse("image/png", testutil.PNGBytes),
	)
	cfg := testConfig(t, upstream.URL())

	app, err := NewApp(cfg, slog.Default())
	require.NoError(t, err)
	base := startApp(t, app, "", nil)

	resp, err := http.Post(base+"/generate", "application/json", strings.NewReader(`{"prompt":"a red cube"}`))
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testutil.PNGBytes, data)
	assert.Equal(t, 2, upstream.Calls())
	assert.Equal(t, "Bearer hf_test", upstream.Requests()[0].Authorization)

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "imagegen_inference_generations_total")
}

func TestApp_MetricsDisabled(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	cfg := testConfig(t, upstream.URL())
	disabled := false
	cfg.Metrics.Enabled = &disabled

	app, err := NewApp(cfg, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, app.registry)
	base := startApp(t, app, "", nil)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApp_UnreachableNATSIsNotFatal(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	cfg := testConfig(t, upstream.URL())
	cfg.Events.NATSURL = "nats://127.0.0.1:1"

	app, err := NewApp(cfg, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, app.callStore)
}

func TestApp_ReloadsPolicy(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	cfg := testConfig(t, upstream.URL())

	path := filepath.Join(t.TempDir(), "imagegen.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_attempts: 3\n"), 0644))

	reload := func() (*config.Config, error) {
		fileCfg, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		next := *cfg
		next.Merge(fileCfg)
		return &next, next.Validate()
	}

	app, err := NewApp(cfg, slog.Default())
	require.NoError(t, err)
	startApp(t, app, path, reload)

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_attempts: 4\n"), 0644))

	require.Eventually(t, func() bool {
		return app.client.Policy().MaxAttempts == 4
	}, 5*time.Second, 20*time.Millisecond)
}

func TestApp_ApplyConfigRejectsLongerPolicy(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	cfg := testConfig(t, upstream.URL())

	app, err := NewApp(cfg, slog.Default())
	require.NoError(t, err)

	longer := *cfg
	longer.Retry.OverallBudget = time.Hour
	err = app.applyConfig(&longer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restart")
	assert.Equal(t, cfg.Retry, app.client.Policy())

	shorter := *cfg
	shorter.Retry.MaxAttempts = 2
	require.NoError(t, app.applyConfig(&shorter))
	assert.Equal(t, 2, app.client.Policy().MaxAttempts)
}

func TestGenerateToFile(t *testing.T) {
	upstream := testutil.NewUpstream(t, testutil.ImageResponse("image/png", testutil.PNGBytes))
	cfg := testConfig(t, upstream.URL())
	out := filepath.Join(t.TempDir(), "nested", "cube.png")

	path, err := generateToFile(context.Background(), cfg, slog.Default(), "a red cube", out)
	require.NoError(t, err)
	assert.Equal(t, out, path)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, testutil.PNGBytes, data)
}

func TestGenerateToFile_EmptyPrompt(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	cfg := testConfig(t, upstream.URL())

	_, err := generateToFile(context.Background(), cfg, slog.Default(), "  ", filepath.Join(t.TempDir(), "x.png"))
	require.Error(t, err)
	assert.True(t, inference.IsClientInput(err))
	assert.Equal(t, 0, upstream.Calls())
}

func TestDefaultOutputName(t *testing.T) {
	now := time.UnixMilli(1735732800123)
	assert.Equal(t, "generated-image-1735732800123.png", defaultOutputName(now))
}

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "imagegen version "+Version)
}

func TestGenerateCommand(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	testConfig(t, upstream.URL())
	t.Setenv(config.EnvBaseURL, upstream.URL())
	t.Setenv(config.EnvModel, "test/model")

	cfgPath := filepath.Join(t.TempDir(), "imagegen.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("inference:\n  api_key_env: "+testKeyEnv+"\n"), 0644))
	out := filepath.Join(t.TempDir(), "out.png")

	cmd := rootCmd()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"generate", "--config", cfgPath, "--log-level", "error", "--out", out, "a red cube"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, out, strings.TrimSpace(stdout.String()))
	assert.Equal(t, "a red cube", upstream.Requests()[0].Inputs)
}
