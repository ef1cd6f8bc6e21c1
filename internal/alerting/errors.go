package alerting

import (
	"errors"
	"fmt"
	"strings"

	"fleet-monitor/cleaning/internal/domain"
)

var ErrInvalidConfig = errors.New("invalid alert engine config")

type Stage string

const (
	StageCount  Stage = "count"
	StageDedup  Stage = "dedup"
	StageInsert Stage = "insert"
)

// RuleError names the rule and the store call that failed.
type RuleError struct {
	Kind  domain.AlertKind
	Stage Stage
	Err   error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s failed at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// PartialFailureError is returned when at least one rule failed. Alerts from
// the rules that succeeded are persisted and listed in Created.
type PartialFailureError struct {
	Created  []domain.Alert
	Failures []*RuleError
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("alert evaluation failed for %d rule(s), %d alert(s) created: %s",
		len(e.Failures), len(e.Created), strings.Join(parts, "; "))
}

func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

func (e *PartialFailureError) FailedRules() []domain.AlertKind {
	kinds := make([]domain.AlertKind, 0, len(e.Failures))
	for _, f := range e.Failures {
		kinds = append(kinds, f.Kind)
	}
	return kinds
}
