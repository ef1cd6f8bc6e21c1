package alerting

import (
	"context"
	"fmt"
	"time"

	"fleet-monitor/cleaning/internal/domain"
)

const (
	veryDirtyConfidence = 0.85
	veryDirtyMinIssues  = 3
)

type rule struct {
	kind     domain.AlertKind
	severity domain.AlertSeverity
	applies  func(*domain.CleaningEvent) bool
	decide   func(ctx context.Context, event *domain.CleaningEvent, now time.Time) (detail string, fire bool, err error)

	// deduplicate suppresses the alert while an open one of the same kind
	// exists inside the window.
	deduplicate bool
}

// defaultRules are evaluated in this order.
func (e *Engine) defaultRules() []rule {
	return []rule{
		{
			kind:        domain.AlertRepeatedDirty,
			severity:    domain.SeverityWarning,
			applies:     verdictIs(domain.VerdictDirty),
			decide:      e.countRule(domain.VerdictDirty, e.cfg.DirtyThreshold, "vehicle marked dirty %d times in the last %dh"),
			deduplicate: true,
		},
		{
			kind:        domain.AlertRecurringUncertain,
			severity:    domain.SeverityInfo,
			applies:     verdictIs(domain.VerdictUncertain),
			decide:      e.countRule(domain.VerdictUncertain, e.cfg.UncertainThreshold, "vehicle uncertain %d times in the last %dh — needs manual review"),
			deduplicate: true,
		},
		{
			kind:     domain.AlertVeryDirty,
			severity: domain.SeverityCritical,
			applies: func(ev *domain.CleaningEvent) bool {
				return ev.Verdict == domain.VerdictDirty && ev.HasConfidenceAbove(veryDirtyConfidence)
			},
			decide: veryDirty,
		},
	}
}

func verdictIs(v domain.Verdict) func(*domain.CleaningEvent) bool {
	return func(ev *domain.CleaningEvent) bool { return ev.Verdict == v }
}

// countRule fires when the vehicle has at least threshold events with verdict
// inside the window ending now.
func (e *Engine) countRule(verdict domain.Verdict, threshold int, format string) func(context.Context, *domain.CleaningEvent, time.Time) (string, bool, error) {
	return func(ctx context.Context, ev *domain.CleaningEvent, now time.Time) (string, bool, error) {
		count, err := e.events.CountByVehicleAndVerdict(ctx, ev.VehicleID, verdict, e.window.Start(now))
		if err != nil {
			return "", false, err
		}
		if count < threshold {
			return "", false, nil
		}
		return fmt.Sprintf(format, count, e.window.Hours()), true, nil
	}
}

func veryDirty(_ context.Context, ev *domain.CleaningEvent, _ time.Time) (string, bool, error) {
	if len(ev.Issues) < veryDirtyMinIssues {
		return "", false, nil
	}
	return fmt.Sprintf("very dirty vehicle detected with %d issues", len(ev.Issues)), true, nil
}
