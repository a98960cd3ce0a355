package inference_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/imagegen/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

func TestNewCallStore_RequiresPublisher(t *testing.T) {
	_, err := inference.NewCallStore(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publisher required")
}

func TestCallStore_Store(t *testing.T) {
	pub := &fakePublisher{}
	store, err := inference.NewCallStore(pub)
	require.NoError(t, err)

	started := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	record := &inference.CallRecord{
		RequestID:      "req-1",
		Model:          "black-forest-labs/FLUX.1-dev",
		PromptLength:   10,
		Result:         inference.ResultBudgetExceeded,
		Reason:         inference.ReasonLoading,
		UpstreamStatus: 503,
		Attempts:       5,
		WaitedMs:       90000,
		StartedAt:      started,
		CompletedAt:    started.Add(2 * time.Minute),
		DurationMs:     120000,
	}
	require.NoError(t, store.Store(context.Background(), record))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, inference.DefaultEventSubject, pub.msgs[0].subject)

	var decoded inference.CallRecord
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &decoded))
	assert.Equal(t, "req-1", decoded.RequestID)
	assert.Equal(t, inference.ResultBudgetExceeded, decoded.Result)
	assert.Equal(t, 5, decoded.Attempts)
	assert.True(t, started.Equal(decoded.StartedAt))

	// Nil store close is a no-op without an owned connection.
	assert.NoError(t, store.Close())
}

func TestCallStore_WithSubject(t *testing.T) {
	pub := &fakePublisher{}
	store, err := inference.NewCallStore(pub, inference.WithSubject("custom.subject"))
	require.NoError(t, err)

	require.NoError(t, store.Store(context.Background(), &inference.CallRecord{RequestID: "r"}))
	assert.Equal(t, "custom.subject", pub.msgs[0].subject)

	// Empty subject keeps the default.
	store, err = inference.NewCallStore(pub, inference.WithSubject(""))
	require.NoError(t, err)
	require.NoError(t, store.Store(context.Background(), &inference.CallRecord{RequestID: "r"}))
	assert.Equal(t, inference.DefaultEventSubject, pub.msgs[1].subject)
}

func TestCallStore_Errors(t *testing.T) {
	pub := &fakePublisher{}
	store, err := inference.NewCallStore(pub)
	require.NoError(t, err)

	t.Run("missing request id", func(t *testing.T) {
		err := store.Store(context.Background(), &inference.CallRecord{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "request_id is required")
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := store.Store(ctx, &inference.CallRecord{RequestID: "r"})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("publish failure", func(t *testing.T) {
		failing := &fakePublisher{err: errors.New("no responders")}
		s, err := inference.NewCallStore(failing)
		require.NoError(t, err)
		err = s.Store(context.Background(), &inference.CallRecord{RequestID: "r"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no responders")
	})

	assert.Empty(t, pub.msgs)
}

func TestRequestIDContext(t *testing.T) {
	assert.Empty(t, inference.RequestIDFromContext(context.Background()))

	ctx := inference.WithRequestID(context.Background(), "abc")
	assert.Equal(t, "abc", inference.RequestIDFromContext(ctx))
}
