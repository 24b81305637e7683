package prognos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// EffectSink delivers one kind of external effect (ticketing, notification,
// scheduling). Delivery is at-least-once: the dispatcher retries transient
// failures, so sinks must tolerate duplicates keyed by fingerprint.
type EffectSink interface {
	Name() string
	Send(ctx context.Context, effect Effect) error
}

// DispatcherConfig configures external effect delivery.
type DispatcherConfig struct {
	// Retry bounds per-effect delivery attempts.
	Retry RetryConfig

	// BreakerFailures opens a sink's circuit after this many consecutive
	// failures. Default: 5
	BreakerFailures int

	// BreakerReset is how long an open circuit waits before probing the sink
	// again. Default: 30s
	BreakerReset time.Duration
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	retry := DefaultRetryConfig()
	retry.RetryIf = IsRetryable
	return DispatcherConfig{
		Retry:           retry,
		BreakerFailures: 5,
		BreakerReset:    30 * time.Second,
	}
}

type sinkEntry struct {
	sink    EffectSink
	breaker *CircuitBreaker
}

// Dispatcher routes effects to their sinks with retry and circuit breaking.
// Effects of a kind with no registered sink land in the internal sink, which
// never fails.
type Dispatcher struct {
	config  DispatcherConfig
	retryer *Retryer

	mu       sync.RWMutex
	sinks    map[EffectKind]*sinkEntry
	internal *MemorySink
}

// NewDispatcher creates a dispatcher with only the internal sink registered.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.BreakerFailures <= 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerReset <= 0 {
		config.BreakerReset = 30 * time.Second
	}
	return &Dispatcher{
		config:   config,
		retryer:  NewRetryer(config.Retry),
		sinks:    make(map[EffectKind]*sinkEntry),
		internal: NewMemorySink("internal"),
	}
}

// Register binds a sink to an effect kind, replacing any previous binding.
func (d *Dispatcher) Register(kind EffectKind, sink EffectSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[kind] = &sinkEntry{
		sink:    sink,
		breaker: NewCircuitBreaker(d.config.BreakerFailures, d.config.BreakerReset),
	}
}

// Internal returns the always-available in-process sink.
func (d *Dispatcher) Internal() *MemorySink {
	return d.internal
}

// Dispatch delivers one effect through its sink with bounded retries. On
// exhaustion it returns an ActionError wrapping ErrSinkUnavailable; the
// caller decides how to degrade.
func (d *Dispatcher) Dispatch(ctx context.Context, effect Effect) error {
	d.mu.RLock()
	entry, ok := d.sinks[effect.Kind]
	d.mu.RUnlock()

	if !ok {
		return d.internal.Send(ctx, effect)
	}

	result := d.retryer.Do(ctx, func() error {
		return entry.breaker.Execute(func() error {
			return entry.sink.Send(ctx, effect)
		})
	})
	if result.LastErr != nil {
		return &ActionError{
			Fingerprint: effect.Fingerprint,
			Effect:      effect.Kind,
			Attempts:    result.Attempts,
			Cause:       result.LastErr,
		}
	}
	return nil
}

// SinkStates reports each registered sink's circuit state.
func (d *Dispatcher) SinkStates() map[EffectKind]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[EffectKind]string, len(d.sinks))
	for kind, entry := range d.sinks {
		out[kind] = entry.breaker.State()
	}
	return out
}

// WebhookSink posts effects as JSON to an HTTP endpoint.
type WebhookSink struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSink creates a webhook sink. Extra headers, such as
// authorization, are sent on every request.
func NewWebhookSink(name, url string, headers map[string]string) *WebhookSink {
	return &WebhookSink{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the sink name.
func (s *WebhookSink) Name() string { return s.name }

// Send posts the effect. Non-2xx responses are errors so the dispatcher can
// retry them.
func (s *WebhookSink) Send(ctx context.Context, effect Effect) error {
	body, err := json.Marshal(effect)
	if err != nil {
		return fmt.Errorf("marshal effect: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", effect.Fingerprint+":"+string(effect.Kind))
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", s.name, resp.StatusCode)
	}
	return nil
}

// MemorySink records effects in memory. It backs the internal degraded path
// and tests.
type MemorySink struct {
	name string
	mu   sync.Mutex
	sent []Effect
}

// NewMemorySink creates an in-memory sink.
func NewMemorySink(name string) *MemorySink {
	return &MemorySink{name: name}
}

// Name returns the sink name.
func (s *MemorySink) Name() string { return s.name }

// Send records the effect.
func (s *MemorySink) Send(_ context.Context, effect Effect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, effect)
	return nil
}

// Sent returns a copy of all recorded effects.
func (s *MemorySink) Sent() []Effect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Effect(nil), s.sent...)
}
