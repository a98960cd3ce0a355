package inference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var imageBody = []byte("\x89PNG\r\n\x1a\nimage-bytes")

func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(imageBody)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExecutor_Call_BodyOverLimit(t *testing.T) {
	srv := newImageServer(t)

	exec := NewExecutor(nil, Endpoint{BaseURL: srv.URL, Model: "m"}, "k")
	exec.maxBodySize = len(imageBody) - 1

	resp, err := exec.Call(context.Background(), "p", time.Second)
	require.ErrorIs(t, err, ErrResponseTooLarge)
	assert.Nil(t, resp)

	outcome := Classify(resp, err)
	assert.Equal(t, OutcomeTerminal, outcome.Kind)
	assert.Equal(t, ReasonInvalidResponse, outcome.Reason)
	assert.Equal(t, http.StatusInternalServerError, outcome.Status)
}

func TestExecutor_Call_BodyAtLimit(t *testing.T) {
	srv := newImageServer(t)

	exec := NewExecutor(nil, Endpoint{BaseURL: srv.URL, Model: "m"}, "k")
	exec.maxBodySize = len(imageBody)

	resp, err := exec.Call(context.Background(), "p", time.Second)
	require.NoError(t, err)
	assert.Equal(t, imageBody, resp.Body)
}
