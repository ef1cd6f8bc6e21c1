package domain

import (
	"time"
	"unicode/utf8"
)

type AlertKind string

const (
	AlertRepeatedDirty      AlertKind = "repeated_dirty"
	AlertVeryDirty          AlertKind = "very_dirty"
	AlertRecurringUncertain AlertKind = "recurring_uncertain"
)

func (k AlertKind) Valid() bool {
	switch k {
	case AlertRepeatedDirty, AlertVeryDirty, AlertRecurringUncertain:
		return true
	}
	return false
}

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

const MaxAlertDetailLen = 500

type Alert struct {
	ID              int64         `json:"id"`
	VehicleID       string        `json:"vehicle_id"`
	Kind            AlertKind     `json:"kind"`
	Severity        AlertSeverity `json:"severity"`
	Detail          string        `json:"detail"`
	CreatedAt       time.Time     `json:"created_at"`
	ResolvedBy      *string       `json:"resolved_by"`
	ResolvedAt      *time.Time    `json:"resolved_at"`
	ResolutionNotes string        `json:"resolution_notes,omitempty"`
}

func (a *Alert) Open() bool {
	return a.ResolvedAt == nil
}

// TruncateDetail cuts s to MaxAlertDetailLen bytes on a rune boundary.
func TruncateDetail(s string) string {
	if len(s) <= MaxAlertDetailLen {
		return s
	}
	cut := MaxAlertDetailLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
