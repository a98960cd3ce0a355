package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSClient subscribes to imagegen's generation events.
type NATSClient struct {
	nc *nats.Conn
}

// NewNATSClient connects to the NATS server.
func NewNATSClient(ctx context.Context, url string) (*NATSClient, error) {
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	nc, err := nats.Connect(url, nats.Name("imagegen-e2e"), nats.Timeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSClient{nc: nc}, nil
}

// Close drains and closes the connection.
func (c *NATSClient) Close() error {
	if c.nc == nil {
		return nil
	}
	return c.nc.Drain()
}

// GenerationEvent is the subset of a generation record the scenarios check.
type GenerationEvent struct {
	RequestID      string `json:"request_id"`
	Model          string `json:"model"`
	Result         string `json:"result"`
	Reason         string `json:"reason,omitempty"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	Attempts       int    `json:"attempts"`
	WaitedMs       int64  `json:"waited_ms"`
	ImageBytes     int    `json:"image_bytes,omitempty"`
}

// EventCapture collects decoded events from a subscription.
type EventCapture struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	events []GenerationEvent
	bad    int
}

// CaptureEvents starts collecting events on subject.
func (c *NATSClient) CaptureEvents(subject string) (*EventCapture, error) {
	capture := &EventCapture{}

	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev GenerationEvent
		capture.mu.Lock()
		defer capture.mu.Unlock()
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			capture.bad++
			return
		}
		capture.events = append(capture.events, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	if err := c.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	capture.sub = sub
	return capture, nil
}

// Undecodable returns how many messages failed to decode.
func (ec *EventCapture) Undecodable() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.bad
}

// Find returns the event for requestID, if captured.
func (ec *EventCapture) Find(requestID string) (GenerationEvent, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for _, ev := range ec.events {
		if ev.RequestID == requestID {
			return ev, true
		}
	}
	return GenerationEvent{}, false
}

// WaitFor polls until the event for requestID arrives.
func (ec *EventCapture) WaitFor(ctx context.Context, requestID string, interval time.Duration) (GenerationEvent, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ev, ok := ec.Find(requestID); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return GenerationEvent{}, fmt.Errorf("event for %s: %w", requestID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop stops capturing.
func (ec *EventCapture) Stop() error {
	if ec.sub != nil {
		return ec.sub.Unsubscribe()
	}
	return nil
}
