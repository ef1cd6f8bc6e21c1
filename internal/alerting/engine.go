// Package alerting decides, after every cleaning event, whether operational
// alerts must be raised for the vehicle.
//
// The engine keeps no state between calls. Every evaluation re-reads event
// history and open alerts from the stores, so evaluations for one vehicle must
// be serialized by the caller unless the alert store implements
// ConditionalInserter.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fleet-monitor/cleaning/internal/domain"
	"fleet-monitor/cleaning/internal/logging"
	"fleet-monitor/cleaning/internal/metrics"
)

type EventCounter interface {
	CountByVehicleAndVerdict(ctx context.Context, vehicleID string, verdict domain.Verdict, since time.Time) (int, error)
}

type AlertStore interface {
	HasOpenAlert(ctx context.Context, vehicleID string, kind domain.AlertKind, since time.Time) (bool, error)
	InsertAlert(ctx context.Context, alert *domain.Alert) (int64, error)
}

// ConditionalInserter inserts alert only when no open alert of the same kind
// for the vehicle was created at or after since. The check and the insert are
// atomic.
type ConditionalInserter interface {
	InsertAlertIfNoneOpen(ctx context.Context, alert *domain.Alert, since time.Time) (bool, error)
}

// Notifier delivery is best effort; it must not block evaluation.
type Notifier interface {
	Publish(ctx context.Context, alert domain.Alert)
}

type Config struct {
	DirtyThreshold     int
	DirtyWindowHours   int
	UncertainThreshold int
}

func (c Config) Validate() error {
	if c.DirtyThreshold <= 0 {
		return fmt.Errorf("%w: dirty threshold must be > 0, got %d", ErrInvalidConfig, c.DirtyThreshold)
	}
	if c.DirtyWindowHours <= 0 {
		return fmt.Errorf("%w: dirty window hours must be > 0, got %d", ErrInvalidConfig, c.DirtyWindowHours)
	}
	if c.UncertainThreshold <= 0 {
		return fmt.Errorf("%w: uncertain threshold must be > 0, got %d", ErrInvalidConfig, c.UncertainThreshold)
	}
	return nil
}

type Engine struct {
	cfg      Config
	window   domain.Window
	events   EventCounter
	alerts   AlertStore
	notifier Notifier
	now      func() time.Time
	logger   *slog.Logger
	rules    []rule
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(cfg Config, events EventCounter, alerts AlertStore, notifier Notifier, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if events == nil || alerts == nil {
		return nil, fmt.Errorf("%w: event and alert stores are required", ErrInvalidConfig)
	}
	window, err := domain.NewWindowHours(cfg.DirtyWindowHours)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	e := &Engine{
		cfg:      cfg,
		window:   window,
		events:   events,
		alerts:   alerts,
		notifier: notifier,
		now:      time.Now,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = noopNotifier{}
	}
	e.rules = e.defaultRules()
	return e, nil
}

func (e *Engine) Window() domain.Window { return e.window }

// CheckAndCreateAlerts evaluates every rule against event, in order, and
// returns the alerts it created. Rules are independent: a failing rule does
// not stop later ones, and the failure is reported as a *PartialFailureError
// alongside the alerts that were created.
func (e *Engine) CheckAndCreateAlerts(ctx context.Context, event *domain.CleaningEvent) ([]domain.Alert, error) {
	now := e.now()
	created := []domain.Alert{}
	var failures []*RuleError

	for _, r := range e.rules {
		if !r.applies(event) {
			continue
		}
		alert, err := e.apply(ctx, r, event, now)
		if err != nil {
			failures = append(failures, err)
			metrics.AlertRuleFailures.WithLabelValues(string(err.Kind), string(err.Stage)).Inc()
			e.logger.Error("alert rule failed",
				slog.String("vehicle_id", event.VehicleID),
				slog.String("kind", string(err.Kind)),
				slog.String("stage", string(err.Stage)),
				slog.String("error", err.Err.Error()),
			)
			continue
		}
		if alert != nil {
			created = append(created, *alert)
		}
	}

	if len(failures) > 0 {
		return created, &PartialFailureError{Created: created, Failures: failures}
	}
	return created, nil
}

func (e *Engine) apply(ctx context.Context, r rule, event *domain.CleaningEvent, now time.Time) (*domain.Alert, *RuleError) {
	fail := func(stage Stage, err error) *RuleError {
		return &RuleError{Kind: r.kind, Stage: stage, Err: err}
	}

	detail, fire, err := r.decide(ctx, event, now)
	if err != nil {
		return nil, fail(StageCount, err)
	}
	if !fire {
		return nil, nil
	}

	alert := &domain.Alert{
		VehicleID: event.VehicleID,
		Kind:      r.kind,
		Severity:  r.severity,
		Detail:    domain.TruncateDetail(detail),
		CreatedAt: now,
	}

	if r.deduplicate {
		since := e.window.Start(now)
		if ci, ok := e.alerts.(ConditionalInserter); ok {
			inserted, err := ci.InsertAlertIfNoneOpen(ctx, alert, since)
			if err != nil {
				return nil, fail(StageInsert, err)
			}
			if !inserted {
				e.suppressed(event.VehicleID, r.kind)
				return nil, nil
			}
		} else {
			open, err := e.alerts.HasOpenAlert(ctx, event.VehicleID, r.kind, since)
			if err != nil {
				return nil, fail(StageDedup, err)
			}
			if open {
				e.suppressed(event.VehicleID, r.kind)
				return nil, nil
			}
			if err := e.insert(ctx, alert); err != nil {
				return nil, fail(StageInsert, err)
			}
		}
	} else if err := e.insert(ctx, alert); err != nil {
		return nil, fail(StageInsert, err)
	}

	metrics.AlertsCreated.WithLabelValues(string(alert.Kind), string(alert.Severity)).Inc()
	e.logger.Info("alert created",
		slog.Int64("alert_id", alert.ID),
		slog.String("vehicle_id", alert.VehicleID),
		slog.String("kind", string(alert.Kind)),
		slog.String("severity", string(alert.Severity)),
	)
	e.notifier.Publish(ctx, *alert)
	return alert, nil
}

func (e *Engine) insert(ctx context.Context, alert *domain.Alert) error {
	id, err := e.alerts.InsertAlert(ctx, alert)
	if err != nil {
		return err
	}
	alert.ID = id
	return nil
}

func (e *Engine) suppressed(vehicleID string, kind domain.AlertKind) {
	metrics.AlertsSuppressed.WithLabelValues(string(kind)).Inc()
	e.logger.Debug("alert suppressed, open alert in window",
		slog.String("vehicle_id", vehicleID),
		slog.String("kind", string(kind)),
	)
}

type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, domain.Alert) {}
