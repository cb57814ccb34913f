// Package analytics ships audit events for authentication decisions to an
// external capture endpoint. Delivery is strictly best effort: events are
// queued to a bounded buffer and dropped under pressure rather than ever
// slowing an ingest callback.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Event names recorded on the ingest path.
const (
	EventInvalidStreamKey       = "invalid_stream_key"
	EventDuplicateStreamAttempt = "duplicate_stream_attempt"
	EventStreamDeniedQuota      = "stream_denied_subscription_limit"
	EventStreamAuthSuccess      = "stream_auth_success"
	EventStreamEnded            = "stream_ended"
	EventForwardingRequested    = "forwarding_config_requested"
	EventSessionStarted         = "streaming_session_started"
	EventSessionStopped         = "streaming_session_stopped"
)

const (
	defaultQueueSize = 256
	sendTimeout      = 5 * time.Second
)

// Event is one audit record. Properties must be JSON-serializable.
type Event struct {
	Name       string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Emitter queues events and delivers them from a single background worker.
// A nil Emitter discards everything, so callers never guard their calls.
type Emitter struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	queue    chan Event
	done     chan struct{}
	stopOnce sync.Once

	// mu orders Capture against Close so no send can hit a closed queue.
	mu     sync.RWMutex
	closed bool
}

// Option mutates emitter configuration.
type Option func(*Emitter)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(e *Emitter) {
		if hc != nil {
			e.httpClient = hc
		}
	}
}

// WithQueueSize resizes the event buffer.
func WithQueueSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.queue = make(chan Event, n)
		}
	}
}

// NewEmitter starts the delivery worker. An empty endpoint yields a nil
// emitter; deployments disable analytics by omitting the URL.
func NewEmitter(endpoint, apiKey string, logger *slog.Logger, opts ...Option) *Emitter {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: sendTimeout},
		logger:     logger.With("component", "analytics"),
		queue:      make(chan Event, defaultQueueSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.run()
	return e
}

// Capture queues an event for delivery. It never blocks; when the buffer is
// full the event is dropped and the drop is logged.
func (e *Emitter) Capture(name, distinctID string, properties map[string]any) {
	if e == nil {
		return
	}
	evt := Event{
		Name:       name,
		DistinctID: distinctID,
		Properties: properties,
		Timestamp:  time.Now().UTC(),
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- evt:
	default:
		e.logger.Warn("analytics queue full, dropping event", "event", name)
	}
}

// Close stops the worker after draining queued events.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
		<-e.done
	})
}

func (e *Emitter) run() {
	defer close(e.done)
	for evt := range e.queue {
		if err := e.send(evt); err != nil {
			e.logger.Warn("analytics delivery failed", "event", evt.Name, "error", err)
		}
	}
}

func (e *Emitter) send(evt Event) error {
	body := map[string]any{
		"api_key":     e.apiKey,
		"event":       evt.Name,
		"distinct_id": evt.DistinctID,
		"properties":  evt.Properties,
		"timestamp":   evt.Timestamp.Format(time.RFC3339),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build capture request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send capture request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("capture endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
