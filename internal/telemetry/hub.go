package telemetry

import (
	"log/slog"
	"sync"

	"github.com/facebookgo/clock"
)

// EventLog is the slice of the store the hub needs to persist alerts.
type EventLog interface {
	LogEvent(eventType, workspaceID, taskID, severity string, details map[string]any) error
}

// Sink receives every broadcast event. Sinks run in the publisher's
// goroutine; implementations must be fast and must not panic.
type Sink interface {
	Publish(evt Event) error
}

// Hub is the in-process Telemetry implementation. Subscribers get bounded
// buffered channels; when a subscriber falls behind, the oldest queued
// event is dropped so publishers never block.
type Hub struct {
	logger *slog.Logger
	clock  clock.Clock
	events EventLog // optional, persists alerts

	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	sinks  []Sink
	buf    int
	closed bool
}

// NewHub returns a hub logging through logger. events may be nil, in which
// case alerts are not persisted.
func NewHub(logger *slog.Logger, clk clock.Clock, events EventLog) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Hub{
		logger: logger.With("component", "telemetry"),
		clock:  clk,
		events: events,
		subs:   make(map[chan Event]struct{}),
		buf:    64,
	}
}

// AddSink registers an additional delivery target, e.g. a NATS publisher.
func (h *Hub) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	h.mu.Lock()
	h.sinks = append(h.sinks, sink)
	h.mu.Unlock()
}

// Subscribe registers a subscriber channel. The returned cancel func must
// be called when the subscriber is done; it closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buf)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Broadcast implements Telemetry.
func (h *Hub) Broadcast(eventType string, payload map[string]any) {
	evt := Event{Type: eventType, Timestamp: h.clock.Now().UTC(), Payload: payload}

	h.mu.RLock()
	sinks := h.sinks
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Full buffer: drop the oldest queued event, keep the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}
	h.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Publish(evt); err != nil {
			h.logger.Debug("sink publish failed", "event_type", eventType, "error", err)
		}
	}
	h.logger.Debug("event", "event_type", eventType)
}

// EmitMetric implements Telemetry. Metrics ride the same fan-out as events.
func (h *Hub) EmitMetric(name string, value float64, tags map[string]string) {
	payload := map[string]any{"name": name, "value": value}
	for k, v := range tags {
		payload["tag_"+k] = v
	}
	h.Broadcast(EventMetric, payload)
}

// Alert implements Telemetry. Alerts are logged at a level matching their
// severity, broadcast as system_alert events, and persisted as event rows
// when an EventLog is attached.
func (h *Hub) Alert(workspaceID, alertType, severity, description string) {
	attrs := []any{
		"workspace_id", workspaceID,
		"alert_type", alertType,
		"severity", severity,
		"description", description,
	}
	switch severity {
	case SeverityCritical, SeverityError:
		h.logger.Error("alert", attrs...)
	case SeverityWarning:
		h.logger.Warn("alert", attrs...)
	default:
		h.logger.Info("alert", attrs...)
	}

	h.Broadcast(EventSystemAlert, map[string]any{
		"workspace_id": workspaceID,
		"alert_type":   alertType,
		"severity":     severity,
		"description":  description,
	})

	if h.events != nil {
		err := h.events.LogEvent(EventSystemAlert, workspaceID, "", severity, map[string]any{
			"alert_type":  alertType,
			"description": description,
		})
		if err != nil {
			h.logger.Warn("persist alert failed", "alert_type", alertType, "error", err)
		}
	}
}

// Close tears down all subscriber channels. Further broadcasts are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}
