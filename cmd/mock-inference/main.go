// Package main implements a mock text-to-image inference server for e2e testing.
// It serves POST /models/<model-id> responses from JSON fixture files, routing
// by the model id in the path. This lets the proxy's cold-start handling be
// exercised without a real hosted model, fast, deterministic and offline.
//
// Usage:
//
//	mock-inference -fixtures /path/to/fixtures -port 8000
//
// Fixture files are JSON named by model id, with nested directories for the
// owner segment (e.g., "black-forest-labs/FLUX.1-dev.json" maps to model
// "black-forest-labs/FLUX.1-dev"). Each file describes one reply:
//
//	{"status": 503, "estimated_time": 5}
//	{"status": 200, "content_type": "image/png"}
//
// Sequential fixtures: If numbered files exist (e.g., "FLUX.1-dev.1.json",
// "FLUX.1-dev.2.json"), the Nth call to that model returns the Nth fixture.
// After exhausting numbered fixtures, the base "FLUX.1-dev.json" is used
// as a repeating fallback. This enables testing loading→loading→ready sequences.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// fixture describes one scripted upstream reply.
type fixture struct {
	// Status is the HTTP status (default 200).
	Status int `json:"status,omitempty"`

	// EstimatedTime is reported in the JSON error body of non-2xx replies.
	EstimatedTime float64 `json:"estimated_time,omitempty"`

	// Error is the error message of non-2xx replies.
	Error string `json:"error,omitempty"`

	// ContentType overrides the reply media type.
	ContentType string `json:"content_type,omitempty"`

	// Body is sent verbatim when set.
	Body *string `json:"body,omitempty"`

	// Image is base64 image data for 2xx replies (default: a 1x1 PNG).
	Image string `json:"image,omitempty"`

	// Delay holds the reply back (Go duration string).
	Delay string `json:"delay,omitempty"`

	// RetryAfter sets the Retry-After header.
	RetryAfter string `json:"retry_after,omitempty"`
}

// inferenceRequest is the upstream request body.
type inferenceRequest struct {
	Inputs string `json:"inputs"`
}

// capturedRequest stores the key fields of an incoming request for test verification.
type capturedRequest struct {
	Model     string `json:"model"`
	Inputs    string `json:"inputs"`
	CallIndex int    `json:"call_index"` // 1-indexed per-model call number
	Timestamp int64  `json:"timestamp"`
}

type server struct {
	fixtures map[string][]fixture // model id → ordered fixtures (sequential)
	calls    atomic.Int64         // total calls served
	logger   *slog.Logger
	image    []byte // default image payload

	// Per-model call counters for sequential fixture selection.
	modelCalls   map[string]*atomic.Int64
	modelCallsMu sync.Mutex // protects lazy init of modelCalls entries

	// Per-model request capture for e2e verification.
	modelRequests   map[string][]capturedRequest
	modelRequestsMu sync.Mutex
}

func newServer(fixtures map[string][]fixture, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures:      fixtures,
		logger:        logger,
		image:         defaultImage(),
		modelCalls:    make(map[string]*atomic.Int64),
		modelRequests: make(map[string][]capturedRequest),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/models/", s.handleInference)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	return mux
}

// captureRequest stores a request for later retrieval via /requests endpoint.
func (s *server) captureRequest(model string, req inferenceRequest, callIndex int) {
	s.modelRequestsMu.Lock()
	defer s.modelRequestsMu.Unlock()
	s.modelRequests[model] = append(s.modelRequests[model], capturedRequest{
		Model:     model,
		Inputs:    req.Inputs,
		CallIndex: callIndex,
		Timestamp: time.Now().UnixMilli(),
	})
}

// getModelCounter returns the call counter for a model, creating it lazily.
func (s *server) getModelCounter(model string) *atomic.Int64 {
	s.modelCallsMu.Lock()
	defer s.modelCallsMu.Unlock()
	if c, ok := s.modelCalls[model]; ok {
		return c
	}
	c := &atomic.Int64{}
	s.modelCalls[model] = c
	return c
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 8000, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Allow env var override
	if envDir := os.Getenv("MOCK_INFERENCE_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
		os.Exit(1)
	}
	logger.Info("Loaded fixtures", "models", len(fixtures), "dir", *fixtureDir)
	for model, seq := range fixtures {
		logger.Info("Fixture model", "model", model, "fixtures", len(seq))
	}

	s := newServer(fixtures, logger)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Mock inference server listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleInference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	model := strings.Trim(strings.TrimPrefix(r.URL.Path, "/models/"), "/")

	var req inferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	callNum := s.calls.Add(1)
	logger := s.logger.With("call", callNum, "model", model)

	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		logger.Warn("Missing bearer token")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authorization header is required"})
		return
	}

	seq, ok := s.fixtures[model]
	if !ok {
		logger.Warn("No fixture for model")
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("Model %s does not exist", model)})
		return
	}

	// Select fixture from sequence based on per-model call count
	counter := s.getModelCounter(model)
	callIndex := int(counter.Add(1) - 1) // 0-indexed

	s.captureRequest(model, req, callIndex+1)
	fx := seq[len(seq)-1] // repeat last fixture
	if callIndex < len(seq) {
		fx = seq[callIndex]
	}

	logger.Info("Serving fixture", "call_index", callIndex+1, "of", len(seq), "status", fx.status())

	if fx.Delay != "" {
		if d, err := time.ParseDuration(fx.Delay); err == nil && d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				logger.Debug("Client went away during delay")
				return
			}
		}
	}

	s.writeFixture(w, fx)
}

// writeFixture renders a fixture as an HTTP reply.
func (s *server) writeFixture(w http.ResponseWriter, fx fixture) {
	if fx.RetryAfter != "" {
		w.Header().Set("Retry-After", fx.RetryAfter)
	}
	status := fx.status()

	if fx.Body != nil {
		ct := fx.ContentType
		if ct == "" {
			ct = "text/plain"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(*fx.Body))
		return
	}

	if status >= 200 && status < 300 {
		data := s.image
		if fx.Image != "" {
			decoded, err := base64.StdEncoding.DecodeString(fx.Image)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "fixture image is not base64"})
				return
			}
			data = decoded
		}
		ct := fx.ContentType
		if ct == "" {
			ct = "image/png"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(status)
		_, _ = w.Write(data)
		return
	}

	body := map[string]any{"error": fx.Error}
	if fx.Error == "" {
		body["error"] = http.StatusText(status)
	}
	if fx.EstimatedTime > 0 {
		body["estimated_time"] = fx.EstimatedTime
	}
	writeJSON(w, status, body)
}

func (f fixture) status() int {
	if f.Status == 0 {
		return http.StatusOK
	}
	return f.Status
}

// handleStats returns call counts for test assertions.
// Returns total_calls and per-model calls_by_model breakdown.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.modelCallsMu.Lock()
	callsByModel := make(map[string]int64, len(s.modelCalls))
	for model, counter := range s.modelCalls {
		callsByModel[model] = counter.Load()
	}
	s.modelCallsMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_model": callsByModel,
	})
}

// handleRequests returns captured requests for test assertions.
// Query params:
//   - model: filter by model id (optional, returns all models if omitted)
//   - call: filter by call index, 1-indexed (optional)
//
// Returns {"requests_by_model": {"black-forest-labs/FLUX.1-dev": [...], ...}}
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter := r.URL.Query().Get("call")

	s.modelRequestsMu.Lock()
	result := make(map[string][]capturedRequest)
	for model, reqs := range s.modelRequests {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		if callFilter != "" {
			callIdx, err := strconv.Atoi(callFilter)
			if err == nil {
				for _, req := range reqs {
					if req.CallIndex == callIdx {
						result[model] = append(result[model], req)
					}
				}
				continue
			}
		}
		result[model] = reqs
	}
	s.modelRequestsMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"requests_by_model": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// defaultImage renders a 1x1 PNG.
func defaultImage() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

// numberedFileRe matches files like "FLUX.1-dev.1.json", "sdxl.2.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads JSON files from dir and returns a map of model id → fixture sequence.
// The model id is the file path relative to dir without the .json suffix, so
// "owner/model.json" serves model "owner/model".
//
// For each model, fixtures are ordered:
//  1. Numbered files (model.1.json, model.2.json, ...) in numeric order
//  2. Base file (model.json) appended as the final fallback
func loadFixtures(dir string) (map[string][]fixture, error) {
	baseFiles := make(map[string]fixture)             // model → fixture
	numberedFiles := make(map[string]map[int]fixture) // model → {index → fixture}

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		var fx fixture
		if err := json.Unmarshal(data, &fx); err != nil {
			return fmt.Errorf("invalid fixture %s: %w", path, err)
		}
		if fx.Delay != "" {
			if _, err := time.ParseDuration(fx.Delay); err != nil {
				return fmt.Errorf("invalid delay in %s: %w", path, err)
			}
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		// Check for numbered pattern: model.N.json
		if matches := numberedFileRe.FindStringSubmatch(rel); matches != nil {
			model := matches[1]
			index, _ := strconv.Atoi(matches[2])
			if numberedFiles[model] == nil {
				numberedFiles[model] = make(map[int]fixture)
			}
			numberedFiles[model][index] = fx
			return nil
		}

		// Base file: model.json
		baseFiles[strings.TrimSuffix(rel, ".json")] = fx
		return nil
	})

	if err != nil {
		return nil, err
	}

	// Build ordered sequences
	fixtures := make(map[string][]fixture)

	allModels := make(map[string]bool)
	for m := range baseFiles {
		allModels[m] = true
	}
	for m := range numberedFiles {
		allModels[m] = true
	}

	for model := range allModels {
		var seq []fixture

		// Add numbered fixtures in order
		if numbered, ok := numberedFiles[model]; ok {
			indices := make([]int, 0, len(numbered))
			for idx := range numbered {
				indices = append(indices, idx)
			}
			sort.Ints(indices)

			for _, idx := range indices {
				seq = append(seq, numbered[idx])
			}
		}

		// Append base file as fallback
		if base, ok := baseFiles[model]; ok {
			seq = append(seq, base)
		}

		if len(seq) > 0 {
			fixtures[model] = seq
		}
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}

	return fixtures, nil
}
