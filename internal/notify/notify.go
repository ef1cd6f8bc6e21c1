// Package notify delivers created alerts to downstream consumers. Delivery is
// best effort: failures are logged and counted, never returned to the caller.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"fleet-monitor/cleaning/internal/domain"
	"fleet-monitor/cleaning/internal/logging"
	"fleet-monitor/cleaning/internal/metrics"
)

const EventAlertCreated = "alert.created"

type AlertData struct {
	ID        int64                `json:"id"`
	VehicleID string               `json:"vehicle_id"`
	Kind      domain.AlertKind     `json:"kind"`
	Severity  domain.AlertSeverity `json:"severity"`
	Detail    string               `json:"detail"`
	CreatedAt time.Time            `json:"created_at"`
}

type Message struct {
	Type string    `json:"type"`
	Data AlertData `json:"data"`
}

func Encode(a domain.Alert) ([]byte, error) {
	return json.Marshal(Message{
		Type: EventAlertCreated,
		Data: AlertData{
			ID:        a.ID,
			VehicleID: a.VehicleID,
			Kind:      a.Kind,
			Severity:  a.Severity,
			Detail:    a.Detail,
			CreatedAt: a.CreatedAt,
		},
	})
}

// Sender is one delivery backend.
type Sender interface {
	Name() string
	Send(ctx context.Context, alert domain.Alert, payload []byte) error
}

// Multi encodes an alert once and hands it to every sender in order.
type Multi struct {
	senders []Sender
	logger  *slog.Logger
}

func NewMulti(logger *slog.Logger, senders ...Sender) *Multi {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Multi{senders: senders, logger: logger}
}

func (m *Multi) Publish(ctx context.Context, alert domain.Alert) {
	payload, err := Encode(alert)
	if err != nil {
		m.logger.Error("failed to encode alert", slog.Int64("alert_id", alert.ID), slog.String("error", err.Error()))
		return
	}

	for _, s := range m.senders {
		if err := s.Send(ctx, alert, payload); err != nil {
			metrics.NotifyFailures.WithLabelValues(s.Name()).Inc()
			m.logger.Warn("alert notification failed",
				slog.String("backend", s.Name()),
				slog.Int64("alert_id", alert.ID),
				slog.String("vehicle_id", alert.VehicleID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Multi) Backends() []string {
	names := make([]string, 0, len(m.senders))
	for _, s := range m.senders {
		names = append(names, s.Name())
	}
	return names
}

type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, a domain.Alert, _ []byte) error {
	s.logger.Info("alert",
		slog.Int64("alert_id", a.ID),
		slog.String("vehicle_id", a.VehicleID),
		slog.String("kind", string(a.Kind)),
		slog.String("severity", string(a.Severity)),
		slog.String("detail", a.Detail),
	)
	return nil
}
