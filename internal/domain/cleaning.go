package domain

import (
	"errors"
	"fmt"
	"time"
)

type Verdict string

const (
	VerdictClean     Verdict = "clean"
	VerdictDirty     Verdict = "dirty"
	VerdictUncertain Verdict = "uncertain"
)

// Verdicts lists the classes in model output order.
var Verdicts = []Verdict{VerdictClean, VerdictDirty, VerdictUncertain}

func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(s); v {
	case VerdictClean, VerdictDirty, VerdictUncertain:
		return v, nil
	default:
		return "", fmt.Errorf("invalid verdict %q", s)
	}
}

type Origin string

const (
	OriginEdge   Origin = "edge"
	OriginServer Origin = "server"
	OriginManual Origin = "manual"
)

// ParseOrigin defaults to OriginEdge for an empty value.
func ParseOrigin(s string) (Origin, error) {
	if s == "" {
		return OriginEdge, nil
	}
	switch o := Origin(s); o {
	case OriginEdge, OriginServer, OriginManual:
		return o, nil
	default:
		return "", fmt.Errorf("invalid origin %q", s)
	}
}

const (
	MaxNotesLen     = 1000
	MaxThumbnailLen = 500
)

type CleaningEvent struct {
	ID           int64     `json:"id"`
	VehicleID    string    `json:"vehicle_id"`
	Verdict      Verdict   `json:"verdict"`
	Confidence   *float64  `json:"confidence,omitempty"`
	Issues       []string  `json:"issues"`
	Origin       Origin    `json:"origin"`
	InspectorID  string    `json:"inspector_id,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

var ErrInvalidEvent = errors.New("invalid cleaning event")

func (e *CleaningEvent) Validate() error {
	if e.VehicleID == "" {
		return fmt.Errorf("%w: vehicle_id is required", ErrInvalidEvent)
	}
	if _, err := ParseVerdict(string(e.Verdict)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if _, err := ParseOrigin(string(e.Origin)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if e.Confidence != nil && (*e.Confidence < 0 || *e.Confidence > 1) {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidEvent, *e.Confidence)
	}
	if len(e.Notes) > MaxNotesLen {
		return fmt.Errorf("%w: notes longer than %d", ErrInvalidEvent, MaxNotesLen)
	}
	if len(e.ThumbnailURL) > MaxThumbnailLen {
		return fmt.Errorf("%w: thumbnail_url longer than %d", ErrInvalidEvent, MaxThumbnailLen)
	}
	return nil
}

// HasConfidenceAbove reports false when confidence is absent.
func (e *CleaningEvent) HasConfidenceAbove(threshold float64) bool {
	return e.Confidence != nil && *e.Confidence > threshold
}

func Float(v float64) *float64 { return &v }
