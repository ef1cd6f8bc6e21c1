package store

import (
	"errors"
	"time"

	"fleet-monitor/cleaning/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyResolved = errors.New("alert already resolved")
	ErrLockTimeout     = errors.New("vehicle lock wait timed out")
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 100
)

type EventFilter struct {
	VehicleID string
	Verdict   domain.Verdict
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

type AlertFilter struct {
	VehicleID string
	Kind      domain.AlertKind
	Severity  domain.AlertSeverity
	// Resolved nil lists both open and resolved alerts.
	Resolved *bool
	Limit    int
	Offset   int
}

type Resolution struct {
	ResolvedBy string
	Notes      string
	At         time.Time
}

type AuditEntry struct {
	ActorID   string
	Action    string
	Entity    string
	EntityID  int64
	Diff      map[string]any
	CreatedAt time.Time
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
