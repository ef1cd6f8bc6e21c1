package pipeline

import (
	"context"
	"log/slog"
	"time"

	"fleet-monitor/cleaning/internal/alerting"
	"fleet-monitor/cleaning/internal/domain"
	"fleet-monitor/cleaning/internal/logging"
	"fleet-monitor/cleaning/internal/metrics"
)

// Dispatcher hands created alerts to a slow notifier without blocking the
// ingest path. When the queue is full the alert notification is dropped; the
// alert itself is already persisted.
type Dispatcher struct {
	ch     chan domain.Alert
	next   alerting.Notifier
	logger *slog.Logger
}

func NewDispatcher(size int, next alerting.Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		ch:     make(chan domain.Alert, size),
		next:   next,
		logger: logger,
	}
}

func (d *Dispatcher) Publish(_ context.Context, alert domain.Alert) {
	select {
	case d.ch <- alert:
	default:
		metrics.NotifyChannelDrops.Inc()
		d.logger.Warn("notify queue full, dropping alert notification",
			slog.Int64("alert_id", alert.ID),
			slog.String("vehicle_id", alert.VehicleID),
		)
	}
}

// Run forwards queued alerts until ctx is done, then drains what is left
// with a short deadline.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case alert := <-d.ch:
			d.next.Publish(ctx, alert)

		case <-ctx.Done():
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case alert := <-d.ch:
			d.next.Publish(ctx, alert)
		default:
			return
		}
	}
}
