package generateapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/c360studio/imagegen/inference"
	"github.com/google/uuid"
)

// Response messages returned to callers.
const (
	msgMissingPrompt   = "Please provide a prompt"
	msgInvalidBody     = "Invalid request body"
	msgMethod          = "Method not allowed"
	msgConfiguration   = "Server configuration error"
	msgModelLoading    = "Model loading, retry needed"
	msgTimedOut        = "Generation timed out"
	msgInvalidResponse = "Invalid response from model"
	msgFailed          = "Generation failed"
)

// maxRequestIDLength bounds caller-supplied request ids.
const maxRequestIDLength = 128

// ErrorResponse is the JSON body of every non-200 response.
type ErrorResponse struct {
	Error          string `json:"error"`
	Details        string `json:"details,omitempty"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

// HealthResponse is the body of GET <prefix>health.
type HealthResponse struct {
	Status        string                    `json:"status"`
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Upstream      *inference.UpstreamHealth `json:"upstream,omitempty"`
}

// RegisterHTTPHandlers registers the generate-api handlers under the given prefix.
// Handlers are registered as:
//
//	POST <prefix>generate
//	GET  <prefix>health
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	// Normalise: ensure leading slash and trailing slash.
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}

	mux.HandleFunc(prefix+"generate", c.handleGenerate)
	mux.HandleFunc(prefix+"health", c.handleHealth)
}

// ----------------------------------------------------------------------------
// POST /generate
// ----------------------------------------------------------------------------

// handleGenerate runs one generation and writes the image or a JSON error.
func (c *Component) handleGenerate(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if !validRequestID(requestID) {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: msgMethod})
		return
	}

	logger := c.logger.With("request_id", requestID)

	if checker, ok := c.generator.(credentialChecker); ok && !checker.HasCredential() {
		logger.Error("Inference API credential is not configured")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msgConfiguration, Details: msgConfiguration})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, c.config.MaxBodyBytes)

	var req inference.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Debug("Rejected malformed request body", "error", err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msgInvalidBody})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msgMissingPrompt})
		return
	}

	ctx := inference.WithRequestID(r.Context(), requestID)
	img, err := c.generator.Generate(ctx, req)
	if err != nil {
		c.writeGenerateError(w, requestID, err)
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img.Data); err != nil {
		logger.Warn("Failed to write image response", "error", err)
	}
}

// writeGenerateError maps a generation failure to its HTTP response.
func (c *Component) writeGenerateError(w http.ResponseWriter, requestID string, err error) {
	var (
		inputErr    *inference.ClientInputError
		configErr   *inference.ConfigurationError
		terminalErr *inference.TerminalUpstreamError
		budgetErr   *inference.BudgetExceededError
	)

	switch {
	case errors.As(err, &inputErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: inputErr.Message})

	case errors.As(err, &configErr):
		c.logger.Error("Generation misconfigured", "request_id", requestID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msgConfiguration, Details: msgConfiguration})

	case errors.As(err, &terminalErr):
		msg := terminalErr.Reason
		if msg == inference.ReasonInvalidResponse {
			msg = msgInvalidResponse
		}
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:          msg,
			Details:        terminalErr.Error(),
			UpstreamStatus: terminalErr.Status,
		})

	case errors.As(err, &budgetErr):
		if budgetErr.TimedOut() {
			writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{Error: msgTimedOut, Details: "Timeout"})
			return
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(budgetErr)))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: msgModelLoading})

	default:
		// The caller went away or something unexpected happened; nobody may be listening.
		c.logger.Warn("Generation ended without a result", "request_id", requestID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msgFailed, Details: err.Error()})
	}
}

// validRequestID accepts any non-empty printable ASCII id up to maxRequestIDLength.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// retryAfterSeconds rounds the last computed delay up to whole seconds, minimum 1.
func retryAfterSeconds(err *inference.BudgetExceededError) int {
	secs := int(math.Ceil(err.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// ----------------------------------------------------------------------------
// GET /health
// ----------------------------------------------------------------------------

// handleHealth reports liveness and the upstream health view.
func (c *Component) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: msgMethod})
		return
	}

	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: c.Uptime().Seconds(),
	}
	if reporter, ok := c.generator.(healthReporter); ok {
		upstream := reporter.Health()
		resp.Upstream = &upstream
	}

	status := http.StatusOK
	if !c.Running() {
		resp.Status = "stopped"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Response is already partially written on failure; nothing left to do.
	_ = json.NewEncoder(w).Encode(v)
}
