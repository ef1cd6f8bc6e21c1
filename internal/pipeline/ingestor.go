// Package pipeline turns an inspection into a durable cleaning event and runs
// alert evaluation for it, one vehicle at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleet-monitor/cleaning/internal/classifier"
	"fleet-monitor/cleaning/internal/domain"
	"fleet-monitor/cleaning/internal/logging"
	"fleet-monitor/cleaning/internal/metrics"
	"fleet-monitor/cleaning/internal/store"
)

type EventStore interface {
	Append(ctx context.Context, ev *domain.CleaningEvent) (int64, error)
}

type AlertEvaluator interface {
	CheckAndCreateAlerts(ctx context.Context, ev *domain.CleaningEvent) ([]domain.Alert, error)
}

type AlertResolver interface {
	ResolveAlert(ctx context.Context, id int64, r store.Resolution) (domain.Alert, error)
}

type Stage string

const (
	StageEventAppend     Stage = "event_append"
	StageVehicleLock     Stage = "vehicle_lock"
	StageAlertEvaluation Stage = "alert_evaluation"
	StageAlertResolve    Stage = "alert_resolve"
)

// StageError names the pipeline stage that failed. Once the event is
// appended it stays durable whatever stage fails after it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type IngestRequest struct {
	VehicleID string

	// Image is classified when present; otherwise Verdict is required.
	Image      []byte
	Verdict    domain.Verdict
	Confidence *float64
	Issues     []string

	Origin       domain.Origin
	InspectorID  string
	Notes        string
	ThumbnailURL string
}

type IngestResult struct {
	Event          domain.CleaningEvent `json:"event"`
	Alerts         []domain.Alert       `json:"alerts"`
	Suggestions    []string             `json:"suggestions"`
	Classification *classifier.Result   `json:"classification,omitempty"`
}

type Deps struct {
	Classifier classifier.Classifier
	Events     EventStore
	Engine     AlertEvaluator
	Alerts     AlertResolver
	Locker     Locker
	State      *StateWriter
	Audit      *AuditWriter
	Logger     *slog.Logger
	Now        func() time.Time
}

type Ingestor struct {
	classifier classifier.Classifier
	events     EventStore
	engine     AlertEvaluator
	alerts     AlertResolver
	locker     Locker
	state      *StateWriter
	audit      *AuditWriter
	logger     *slog.Logger
	now        func() time.Time
}

func NewIngestor(d Deps) (*Ingestor, error) {
	if d.Classifier == nil || d.Events == nil || d.Engine == nil {
		return nil, errors.New("pipeline: classifier, event store and engine are required")
	}
	in := &Ingestor{
		classifier: d.Classifier,
		events:     d.Events,
		engine:     d.Engine,
		alerts:     d.Alerts,
		locker:     d.Locker,
		state:      d.State,
		audit:      d.Audit,
		logger:     d.Logger,
		now:        d.Now,
	}
	if in.locker == nil {
		in.locker = NewKeyedMutex()
	}
	if in.logger == nil {
		in.logger = logging.Discard()
	}
	if in.now == nil {
		in.now = time.Now
	}
	return in, nil
}

// Analyze classifies an image without recording anything.
func (in *Ingestor) Analyze(ctx context.Context, image []byte) (classifier.Result, []string) {
	res := in.classifier.Classify(ctx, image)
	return res, classifier.Suggest(res.Issues)
}

// Ingest stores one inspection and evaluates alert rules for it. On an alert
// stage failure the stored event and any alerts that were created are
// returned together with a *StageError.
func (in *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	ev, classification, err := in.buildEvent(ctx, req)
	if err != nil {
		return nil, err
	}

	if _, err := in.events.Append(ctx, ev); err != nil {
		metrics.EventAppendFailures.Inc()
		in.logger.Error("event append failed",
			slog.String("vehicle_id", ev.VehicleID),
			slog.String("error", err.Error()),
		)
		return nil, &StageError{Stage: StageEventAppend, Err: err}
	}
	metrics.EventsIngested.WithLabelValues(string(ev.Verdict), string(ev.Origin)).Inc()
	in.logger.Info("cleaning event stored",
		slog.Int64("event_id", ev.ID),
		slog.String("vehicle_id", ev.VehicleID),
		slog.String("verdict", string(ev.Verdict)),
		slog.String("origin", string(ev.Origin)),
	)

	if in.state != nil {
		in.state.Enqueue(*ev)
	}
	in.record(req.InspectorID, "event.created", "cleaning_event", ev.ID, map[string]any{
		"vehicle_id": ev.VehicleID,
		"verdict":    ev.Verdict,
		"origin":     ev.Origin,
		"issues":     ev.Issues,
	})

	result := &IngestResult{
		Event:          *ev,
		Alerts:         []domain.Alert{},
		Suggestions:    classifier.Suggest(ev.Issues),
		Classification: classification,
	}

	alerts, err := in.evaluate(ctx, ev)
	result.Alerts = alerts
	for _, a := range alerts {
		in.record("", "alert.created", "vehicle_alert", a.ID, map[string]any{
			"vehicle_id": a.VehicleID,
			"kind":       a.Kind,
			"severity":   a.Severity,
			"event_id":   ev.ID,
		})
	}
	return result, err
}

func (in *Ingestor) buildEvent(ctx context.Context, req IngestRequest) (*domain.CleaningEvent, *classifier.Result, error) {
	origin, err := domain.ParseOrigin(string(req.Origin))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}

	ev := &domain.CleaningEvent{
		VehicleID:    req.VehicleID,
		Verdict:      req.Verdict,
		Confidence:   req.Confidence,
		Issues:       req.Issues,
		Origin:       origin,
		InspectorID:  req.InspectorID,
		Notes:        req.Notes,
		ThumbnailURL: req.ThumbnailURL,
	}

	var classification *classifier.Result
	if len(req.Image) > 0 {
		if req.VehicleID == "" {
			return nil, nil, fmt.Errorf("%w: vehicle_id is required", domain.ErrInvalidEvent)
		}
		res := in.classifier.Classify(ctx, req.Image)
		classification = &res
		ev.Verdict = res.Verdict
		ev.Confidence = res.Confidence
		ev.Issues = res.Issues
		if req.Origin == "" {
			ev.Origin = domain.OriginServer
		}
	} else if req.Verdict == "" {
		return nil, nil, fmt.Errorf("%w: verdict or image is required", domain.ErrInvalidEvent)
	}
	if ev.Issues == nil {
		ev.Issues = []string{}
	}

	if err := ev.Validate(); err != nil {
		return nil, nil, err
	}
	return ev, classification, nil
}

func (in *Ingestor) evaluate(ctx context.Context, ev *domain.CleaningEvent) ([]domain.Alert, error) {
	start := in.now()
	unlock, err := in.locker.Lock(ctx, ev.VehicleID)
	metrics.VehicleLockWait.Observe(in.now().Sub(start).Seconds())
	if err != nil {
		in.logger.Error("vehicle lock failed, alerts not evaluated",
			slog.Int64("event_id", ev.ID),
			slog.String("vehicle_id", ev.VehicleID),
			slog.String("error", err.Error()),
		)
		return []domain.Alert{}, &StageError{Stage: StageVehicleLock, Err: err}
	}
	defer unlock()

	alerts, err := in.engine.CheckAndCreateAlerts(ctx, ev)
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	if err != nil {
		return alerts, &StageError{Stage: StageAlertEvaluation, Err: err}
	}
	return alerts, nil
}

// ResolveAlert closes an alert on behalf of actor and audits the change.
func (in *Ingestor) ResolveAlert(ctx context.Context, id int64, actor, notes string) (domain.Alert, error) {
	if in.alerts == nil {
		return domain.Alert{}, &StageError{Stage: StageAlertResolve, Err: errors.New("alert store not configured")}
	}
	a, err := in.alerts.ResolveAlert(ctx, id, store.Resolution{
		ResolvedBy: actor,
		Notes:      notes,
		At:         in.now().UTC(),
	})
	if err != nil {
		return a, err
	}
	in.logger.Info("alert resolved",
		slog.Int64("alert_id", a.ID),
		slog.String("vehicle_id", a.VehicleID),
		slog.String("resolved_by", actor),
	)
	in.record(actor, "alert.resolved", "vehicle_alert", a.ID, map[string]any{
		"resolved_at":      a.ResolvedAt,
		"resolution_notes": notes,
	})
	return a, nil
}

func (in *Ingestor) record(actor, action, entity string, id int64, diff map[string]any) {
	if in.audit == nil {
		return
	}
	in.audit.Enqueue(store.AuditEntry{
		ActorID:   actor,
		Action:    action,
		Entity:    entity,
		EntityID:  id,
		Diff:      diff,
		CreatedAt: in.now().UTC(),
	})
}
