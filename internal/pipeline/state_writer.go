package pipeline

import (
	"context"
	"log/slog"
	"time"

	"fleet-monitor/cleaning/internal/domain"
	"fleet-monitor/cleaning/internal/logging"
	"fleet-monitor/cleaning/internal/metrics"
)

type StateUpdater interface {
	UpdateVehicleState(ctx context.Context, ev *domain.CleaningEvent) error
}

// StateWriter pushes the latest verdict per vehicle to Redis and fans the
// event out to live dashboards. Updates are best effort.
type StateWriter struct {
	ch     chan domain.CleaningEvent
	redis  StateUpdater
	logger *slog.Logger
}

func NewStateWriter(redis StateUpdater, size int, logger *slog.Logger) *StateWriter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &StateWriter{
		ch:     make(chan domain.CleaningEvent, size),
		redis:  redis,
		logger: logger,
	}
}

func (w *StateWriter) Enqueue(ev domain.CleaningEvent) {
	select {
	case w.ch <- ev:
	default:
		metrics.StateChannelDrops.Inc()
	}
}

func (w *StateWriter) Run(ctx context.Context) {
	batch := make([]domain.CleaningEvent, 0, 100)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case ev := <-w.ch:
			batch = append(batch, ev)
			if len(batch) >= 100 {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			w.shutdown(batch)
			return
		}
	}
}

// shutdown flushes the pending batch together with everything still queued.
func (w *StateWriter) shutdown(batch []domain.CleaningEvent) {
drain:
	for {
		select {
		case ev := <-w.ch:
			batch = append(batch, ev)
		default:
			break drain
		}
	}
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.flushBatch(ctx, batch)
}

func (w *StateWriter) flushBatch(ctx context.Context, batch []domain.CleaningEvent) {
	for i := range batch {
		ev := &batch[i]
		if err := w.redis.UpdateVehicleState(ctx, ev); err != nil {
			metrics.StateWriteFailures.Inc()
			w.logger.Warn("redis state update failed",
				slog.String("vehicle_id", ev.VehicleID),
				slog.String("error", err.Error()),
			)
		}
	}
}
