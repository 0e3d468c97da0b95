package flightlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kafly/skymetrics/internal/config"
	"github.com/kafly/skymetrics/internal/metrics"
	"github.com/kafly/skymetrics/pkg/logger"
)

// EventSource is anything holding an ordered pending-event buffer the
// submitter can drain. Implemented by session.Session.
type EventSource interface {
	// Identity returns the pilot identity owning the buffer.
	Identity() string
	// PendingEvents returns a snapshot copy of the buffered events.
	PendingEvents() []Event
	// DropEvents removes the oldest n events from the buffer after a
	// successful submission.
	DropEvents(n int)
}

// endpointResponse is the JSON body the remote endpoint answers with.
type endpointResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Submitter posts accumulated flight events to the remote logging
// endpoint, one form-encoded POST per event, retrying the whole batch
// on failure.
type Submitter struct {
	submitURL  string
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
	metrics    *metrics.MetricsRegistry
	logger     *logger.Logger
}

// NewSubmitter creates a submitter from the flightlog configuration.
// m may be nil when instrumentation is disabled.
func NewSubmitter(cfg config.FlightLogConfig, m *metrics.MetricsRegistry, log *logger.Logger) *Submitter {
	return &Submitter{
		submitURL:  cfg.SubmitURL,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay(),
		httpClient: &http.Client{Timeout: cfg.RequestTimeout()},
		metrics:    m,
		logger:     log.Named("flightlog"),
	}
}

// Submit drains the source's pending events. It snapshots the buffer,
// posts each event in order, and retries the whole batch up to
// maxRetries times with a fixed delay between attempts. On success the
// snapshot prefix is dropped from the live buffer; on exhaustion the
// buffer is left intact so a later flush can retry.
func (s *Submitter) Submit(ctx context.Context, source EventSource) error {
	events := source.PendingEvents()
	if len(events) == 0 {
		s.logger.Debug("No accumulated events to submit", logger.String("pilot", source.Identity()))
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		s.logger.Info("Submitting flight log batch",
			logger.String("pilot", source.Identity()),
			logger.Int("events", len(events)),
			logger.Int("attempt", attempt),
			logger.Int("max_attempts", s.maxRetries))

		if err := s.postBatch(ctx, events); err != nil {
			lastErr = err
			s.logger.Warn("Flight log batch failed",
				logger.String("pilot", source.Identity()),
				logger.Int("attempt", attempt),
				logger.Error(err))

			if attempt < s.maxRetries {
				select {
				case <-time.After(s.retryDelay):
				case <-ctx.Done():
					return fmt.Errorf("submission aborted: %w", ctx.Err())
				}
			}
			continue
		}

		source.DropEvents(len(events))
		if s.metrics != nil {
			s.metrics.SubmissionsTotal.WithLabelValues("success").Inc()
		}
		s.logger.Info("Flight log batch submitted",
			logger.String("pilot", source.Identity()),
			logger.Int("events", len(events)))
		return nil
	}

	if s.metrics != nil {
		s.metrics.SubmissionsTotal.WithLabelValues("failure").Inc()
	}
	s.logger.Error("Flight log submission failed after all retries, events retained",
		logger.String("pilot", source.Identity()),
		logger.Int("events", len(events)),
		logger.Error(lastErr))
	return fmt.Errorf("failed to submit %d events after %d attempts: %w", len(events), s.maxRetries, lastErr)
}

// postBatch sends every event sequentially. The first failure aborts
// the batch so the retry starts over from the first event.
func (s *Submitter) postBatch(ctx context.Context, events []Event) error {
	for i := range events {
		if err := s.postEvent(ctx, &events[i]); err != nil {
			return fmt.Errorf("event %d (%s): %w", i, events[i].Kind, err)
		}
	}
	return nil
}

func (s *Submitter) postEvent(ctx context.Context, event *Event) error {
	body := event.FormValues().Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.submitURL, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, truncate(string(raw), 100))
	}

	var parsed endpointResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("unparsable endpoint response: %s", truncate(string(raw), 100))
	}
	if parsed.Status == "error" || parsed.Status == "not_found" {
		return fmt.Errorf("endpoint rejected event: %s", parsed.Message)
	}

	s.logger.Debug("Event submitted",
		logger.String("evento", event.Kind),
		logger.String("response", parsed.Message))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
