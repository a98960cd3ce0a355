package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultEventSubject is the NATS subject generation records are published on.
const DefaultEventSubject = "imagegen.generation"

// Generation results recorded in CallRecord.Result and the generations metric.
const (
	ResultSuccess        = "success"
	ResultTerminal       = "terminal"
	ResultBudgetExceeded = "budget_exceeded"
	ResultCancelled      = "cancelled"
)

// CallRecord describes one generation request after its attempt loop finished.
type CallRecord struct {
	// RequestID uniquely identifies the generation request.
	RequestID string `json:"request_id"`

	// Model is the upstream model id.
	Model string `json:"model"`

	// PromptLength is the trimmed prompt length in bytes. The prompt itself is not recorded.
	PromptLength int `json:"prompt_length"`

	// Result is one of success, terminal, budget_exceeded, cancelled.
	Result string `json:"result"`

	// Reason is the last failure reason, empty on success.
	Reason string `json:"reason,omitempty"`

	// UpstreamStatus is the HTTP status of the final attempt (0 for transport failures).
	UpstreamStatus int `json:"upstream_status,omitempty"`

	// Attempts is the number of upstream calls made.
	Attempts int `json:"attempts"`

	// WaitedMs is the total backoff time in milliseconds.
	WaitedMs int64 `json:"waited_ms"`

	// StartedAt is when the first attempt began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the loop exited.
	CompletedAt time.Time `json:"completed_at"`

	// DurationMs is the request duration in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// ImageBytes is the size of the returned image, zero on failure.
	ImageBytes int `json:"image_bytes,omitempty"`

	// ContentType is the returned image type, empty on failure.
	ContentType string `json:"content_type,omitempty"`
}

// CallRecorder receives one record per finished generation.
type CallRecorder interface {
	Store(ctx context.Context, record *CallRecord) error
}

// Publisher is the subset of *nats.Conn used by CallStore.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// CallStore publishes generation records to NATS.
type CallStore struct {
	publisher Publisher
	conn      *nats.Conn
	subject   string
	logger    *slog.Logger
}

// CallStoreOption configures a CallStore.
type CallStoreOption func(*CallStore)

// WithSubject sets the subject records are published on.
func WithSubject(subject string) CallStoreOption {
	return func(s *CallStore) {
		if subject != "" {
			s.subject = subject
		}
	}
}

// WithStoreLogger sets the logger for the call store.
func WithStoreLogger(logger *slog.Logger) CallStoreOption {
	return func(s *CallStore) {
		s.logger = logger
	}
}

// NewCallStore creates a call store on top of an existing publisher.
func NewCallStore(publisher Publisher, opts ...CallStoreOption) (*CallStore, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher required")
	}

	s := &CallStore{
		publisher: publisher,
		subject:   DefaultEventSubject,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// ConnectCallStore dials NATS and returns a store that owns the connection.
func ConnectCallStore(url string, opts ...CallStoreOption) (*CallStore, error) {
	conn, err := nats.Connect(url,
		nats.Name("imagegen"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	s, err := NewCallStore(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.conn = conn
	return s, nil
}

// Store publishes a generation record.
func (s *CallStore) Store(ctx context.Context, record *CallRecord) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if record.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if err := s.publisher.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", s.subject, err)
	}

	s.logger.Debug("Published generation record",
		"subject", s.subject,
		"request_id", record.RequestID,
		"result", record.Result)

	return nil
}

// Close drains the owned NATS connection, if any.
func (s *CallStore) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

// requestIDKey is the context key for the request id.
type requestIDKey struct{}

// WithRequestID attaches a request id to a context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id attached to ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
