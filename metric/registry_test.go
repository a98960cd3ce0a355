package metric_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/c360studio/imagegen/metric"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistry_RegisterAndServe(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "imagegen",
		Subsystem: "test",
		Name:      "events_total",
		Help:      "Test counter",
	})
	require.NoError(t, registry.Register("test", "events_total", counter))
	counter.Add(3)

	server := httptest.NewServer(registry.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "imagegen_test_events_total 3")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMetricsRegistry_DuplicateKey(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	newCounter := func() prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "dup"})
	}

	require.NoError(t, registry.Register("test", "dup", newCounter()))
	err := registry.Register("test", "dup", newCounter())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestMetricsRegistry_PrometheusConflict(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	opts := prometheus.CounterOpts{Name: "conflict_total", Help: "conflict"}
	require.NoError(t, registry.Register("a", "conflict", prometheus.NewCounter(opts)))

	err := registry.Register("b", "conflict", prometheus.NewCounter(opts))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "gone_total", Help: "gone"})
	require.NoError(t, registry.Register("test", "gone", counter))

	assert.True(t, registry.Unregister("test", "gone"))
	assert.False(t, registry.Unregister("test", "gone"))

	// Re-registering after removal succeeds.
	require.NoError(t, registry.Register("test", "gone", counter))
}
