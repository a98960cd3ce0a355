package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// PNGBytes is a small payload with a PNG signature, enough for content checks.
var PNGBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01fake-image-data")

// Response is one scripted upstream reply.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	Header      map[string]string

	// Delay holds the reply back; the handler gives up early if the client disconnects.
	Delay time.Duration
}

// ImageResponse returns a 200 with the given image payload.
func ImageResponse(contentType string, data []byte) Response {
	return Response{Status: http.StatusOK, ContentType: contentType, Body: data}
}

// LoadingResponse returns the cold-start 503 with an estimated wait in seconds.
func LoadingResponse(estimatedSeconds float64) Response {
	body := fmt.Sprintf(`{"error":"Model is currently loading","estimated_time":%g}`, estimatedSeconds)
	return Response{Status: http.StatusServiceUnavailable, ContentType: "application/json", Body: []byte(body)}
}

// StatusResponse returns a bare status with a text body.
func StatusResponse(status int, body string) Response {
	return Response{Status: status, ContentType: "text/plain", Body: []byte(body)}
}

// JSONErrorResponse returns a status with {"error": msg}.
func JSONErrorResponse(status int, msg string) Response {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return Response{Status: status, ContentType: "application/json", Body: body}
}

// CapturedRequest is one request received by the fake upstream.
type CapturedRequest struct {
	Path          string
	Authorization string
	ContentType   string
	Inputs        string
}

// Upstream is a scripted fake inference API. The Nth call gets the Nth
// response; the last response repeats once the script runs out.
type Upstream struct {
	Server *httptest.Server

	responses []Response
	calls     atomic.Int32

	mu       sync.Mutex
	requests []CapturedRequest
}

// NewUpstream starts a fake upstream that is closed when the test ends.
func NewUpstream(t testing.TB, responses ...Response) *Upstream {
	t.Helper()
	if len(responses) == 0 {
		responses = []Response{ImageResponse("image/png", PNGBytes)}
	}

	u := &Upstream{responses: responses}
	u.Server = httptest.NewServer(http.HandlerFunc(u.handle))
	t.Cleanup(u.Server.Close)
	return u
}

// URL returns the base URL to configure as the inference endpoint.
func (u *Upstream) URL() string {
	return u.Server.URL
}

// Calls returns how many requests the upstream received.
func (u *Upstream) Calls() int {
	return int(u.calls.Load())
}

// Requests returns the captured requests in arrival order.
func (u *Upstream) Requests() []CapturedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]CapturedRequest, len(u.requests))
	copy(out, u.requests)
	return out
}

func (u *Upstream) handle(w http.ResponseWriter, r *http.Request) {
	index := int(u.calls.Add(1)) - 1

	var body struct {
		Inputs string `json:"inputs"`
	}
	raw, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(raw, &body)

	u.mu.Lock()
	u.requests = append(u.requests, CapturedRequest{
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		ContentType:   r.Header.Get("Content-Type"),
		Inputs:        body.Inputs,
	})
	u.mu.Unlock()

	resp := u.responses[len(u.responses)-1]
	if index < len(u.responses) {
		resp = u.responses[index]
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for k, v := range resp.Header {
		w.Header().Set(k, v)
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
