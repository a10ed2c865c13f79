package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes events to NATS subjects of the form
// <prefix>.<event_type>, e.g. foreman.events.task_completed.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// ConnectNATS dials url and returns a sink publishing under prefix.
func ConnectNATS(url, prefix string, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url, nats.Name("foreman"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: connect nats %s: %w", url, err)
	}
	return &NATSSink{nc: nc, prefix: prefix, logger: logger.With("component", "telemetry.nats")}, nil
}

// Publish implements Sink.
func (s *NATSSink) Publish(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("telemetry: marshal event %s: %w", evt.Type, err)
	}
	return s.nc.Publish(s.subject(evt.Type), data)
}

func (s *NATSSink) subject(eventType string) string {
	return s.prefix + "." + eventType
}

// Close drains the connection, flushing pending publishes.
func (s *NATSSink) Close() {
	if s.nc == nil {
		return
	}
	if err := s.nc.Drain(); err != nil {
		s.logger.Debug("nats drain failed", "error", err)
	}
}
