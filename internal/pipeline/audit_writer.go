package pipeline

import (
	"context"
	"log/slog"
	"time"

	"fleet-monitor/cleaning/internal/logging"
	"fleet-monitor/cleaning/internal/metrics"
	"fleet-monitor/cleaning/internal/store"
)

type AuditSink interface {
	BatchInsertAudit(ctx context.Context, entries []store.AuditEntry) error
}

// AuditWriter batches audit entries and flushes them when the batch is full
// or the flush interval ticks.
type AuditWriter struct {
	ch         chan store.AuditEntry
	sink       AuditSink
	batchSize  int
	flush      time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
}

func NewAuditWriter(sink AuditSink, chanSize, batchSize int, flush time.Duration, logger *slog.Logger) *AuditWriter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AuditWriter{
		ch:         make(chan store.AuditEntry, chanSize),
		sink:       sink,
		batchSize:  batchSize,
		flush:      flush,
		retryDelay: 500 * time.Millisecond,
		logger:     logger,
	}
}

func (w *AuditWriter) Enqueue(entry store.AuditEntry) {
	select {
	case w.ch <- entry:
	default:
		metrics.AuditChannelDrops.Inc()
	}
}

func (w *AuditWriter) Run(ctx context.Context) {
	batch := make([]store.AuditEntry, 0, w.batchSize)
	ticker := time.NewTicker(w.flush)
	defer ticker.Stop()

	for {
		select {
		case entry := <-w.ch:
			batch = append(batch, entry)
			if len(batch) >= w.batchSize {
				w.write(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.write(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			w.shutdown(batch)
			return
		}
	}
}

// shutdown writes the pending batch and whatever is still queued.
func (w *AuditWriter) shutdown(batch []store.AuditEntry) {
drain:
	for {
		select {
		case entry := <-w.ch:
			batch = append(batch, entry)
		default:
			break drain
		}
	}
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.write(ctx, batch)
}

func (w *AuditWriter) write(ctx context.Context, batch []store.AuditEntry) {
	err := w.sink.BatchInsertAudit(ctx, batch)
	if err != nil {
		w.logger.Warn("audit write failed, retrying",
			slog.Int("batch", len(batch)),
			slog.String("error", err.Error()),
		)
		select {
		case <-time.After(w.retryDelay):
		case <-ctx.Done():
		}
		err = w.sink.BatchInsertAudit(ctx, batch)
		if err != nil {
			w.logger.Error("audit write permanently failed",
				slog.Int("batch", len(batch)),
				slog.String("error", err.Error()),
			)
			metrics.AuditWriteFailures.Add(float64(len(batch)))
			return
		}
	}
	metrics.AuditWriteSuccess.Add(float64(len(batch)))
}
