package domain

import (
	"fmt"
	"time"
)

// Window is a trailing interval [now-Duration, now].
type Window struct {
	Duration time.Duration
}

func NewWindowHours(hours int) (Window, error) {
	if hours <= 0 {
		return Window{}, fmt.Errorf("window hours must be > 0, got %d", hours)
	}
	return Window{Duration: time.Duration(hours) * time.Hour}, nil
}

func (w Window) Start(now time.Time) time.Time {
	return now.Add(-w.Duration)
}

func (w Window) Contains(t, now time.Time) bool {
	return !t.Before(w.Start(now)) && !t.After(now)
}

func (w Window) Hours() int {
	return int(w.Duration / time.Hour)
}
