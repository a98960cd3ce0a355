package scenarios

import (
	"context"
	"fmt"

	"github.com/c360studio/imagegen/test/e2e/client"
	"github.com/c360studio/imagegen/test/e2e/config"
)

// EventsScenario checks that a generation publishes a record on NATS that
// matches what the HTTP caller saw.
type EventsScenario struct {
	config   *config.Config
	imagegen *client.ImagegenClient
	nats     *client.NATSClient
	capture  *client.EventCapture
}

// NewEventsScenario creates the generation events scenario.
func NewEventsScenario(cfg *config.Config) *EventsScenario {
	return &EventsScenario{config: cfg}
}

// Name returns the scenario name.
func (s *EventsScenario) Name() string { return "generation-events" }

// Description returns the scenario description.
func (s *EventsScenario) Description() string {
	return "A generation publishes a correlated record on " + config.GenerationSubject
}

// Setup connects to NATS and subscribes before any request is sent.
func (s *EventsScenario) Setup(ctx context.Context) error {
	s.imagegen = client.NewImagegenClient(s.config.ImagegenURL, s.config.RequestTimeout)

	setupCtx, cancel := context.WithTimeout(ctx, s.config.SetupTimeout)
	defer cancel()
	if err := s.imagegen.WaitForHealthy(setupCtx, config.DefaultPollInterval); err != nil {
		return fmt.Errorf("service not healthy: %w", err)
	}

	natsClient, err := client.NewNATSClient(setupCtx, s.config.NATSURL)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	s.nats = natsClient

	capture, err := s.nats.CaptureEvents(config.GenerationSubject)
	if err != nil {
		return err
	}
	s.capture = capture
	return nil
}

// Execute sends one prompt and waits for its event.
func (s *EventsScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.Name())
	defer result.Complete()

	var resp *client.GenerateResult
	runStages(ctx, result, []stage{
		{
			name:    "generate",
			timeout: s.config.RequestTimeout,
			fn: func(ctx context.Context, result *Result) error {
				var err error
				resp, err = s.imagegen.Generate(ctx, "a lighthouse at dusk")
				if err != nil {
					return err
				}
				result.SetDetail("request_id", resp.RequestID)
				return expectImage(resp)
			},
		},
		{
			name:    "receive-event",
			timeout: config.DefaultWaitTimeout,
			fn: func(ctx context.Context, result *Result) error {
				requestID, _ := result.GetDetailString("request_id")
				ev, err := s.capture.WaitFor(ctx, requestID, config.DefaultPollInterval/5)
				if err != nil {
					return err
				}
				result.SetMetric("event_attempts", ev.Attempts)
				result.SetMetric("event_waited_ms", ev.WaitedMs)

				if ev.Result != "success" {
					return fmt.Errorf("expected result success, got %q (%s)", ev.Result, ev.Reason)
				}
				if ev.Model != s.config.Model {
					return fmt.Errorf("expected model %q, got %q", s.config.Model, ev.Model)
				}
				if ev.Attempts < 1 {
					return fmt.Errorf("expected at least one attempt, got %d", ev.Attempts)
				}
				if ev.ImageBytes != len(resp.Body) {
					return fmt.Errorf("event reports %d image bytes, response had %d", ev.ImageBytes, len(resp.Body))
				}
				if n := s.capture.Undecodable(); n > 0 {
					result.AddWarning(fmt.Sprintf("%d undecodable messages on %s", n, config.GenerationSubject))
				}
				return nil
			},
		},
	})
	return result, nil
}

// Teardown unsubscribes and closes the NATS connection.
func (s *EventsScenario) Teardown(_ context.Context) error {
	if s.capture != nil {
		_ = s.capture.Stop()
	}
	if s.nats != nil {
		return s.nats.Close()
	}
	return nil
}
