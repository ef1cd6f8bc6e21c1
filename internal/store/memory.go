package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"fleet-monitor/cleaning/internal/domain"
)

// MemoryStore keeps events, alerts and audit entries in process. It backs
// tests and the STORE_BACKEND=memory development mode.
type MemoryStore struct {
	mu          sync.RWMutex
	events      []domain.CleaningEvent
	alerts      []domain.Alert
	audit       []AuditEntry
	nextEventID int64
	nextAlertID int64
	now         func() time.Time
}

type MemoryOption func(*MemoryStore)

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Append assigns the id and created_at. created_at never goes backwards.
func (s *MemoryStore) Append(_ context.Context, ev *domain.CleaningEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := s.now()
	if n := len(s.events); n > 0 && createdAt.Before(s.events[n-1].CreatedAt) {
		createdAt = s.events[n-1].CreatedAt
	}
	s.nextEventID++
	ev.ID = s.nextEventID
	ev.CreatedAt = createdAt

	stored := *ev
	stored.Issues = slices.Clone(ev.Issues)
	s.events = append(s.events, stored)
	return ev.ID, nil
}

func (s *MemoryStore) CountByVehicleAndVerdict(_ context.Context, vehicleID string, verdict domain.Verdict, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, ev := range s.events {
		if ev.VehicleID == vehicleID && ev.Verdict == verdict && !ev.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id int64) (domain.CleaningEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.events {
		if ev.ID == id {
			return ev, nil
		}
	}
	return domain.CleaningEvent{}, ErrNotFound
}

// ListEvents returns newest first.
func (s *MemoryStore) ListEvents(_ context.Context, f EventFilter) ([]domain.CleaningEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.CleaningEvent{}
	skipped := 0
	limit := clampLimit(f.Limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.events[i]
		if f.VehicleID != "" && ev.VehicleID != f.VehicleID {
			continue
		}
		if f.Verdict != "" && ev.Verdict != f.Verdict {
			continue
		}
		if !f.From.IsZero() && ev.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && ev.CreatedAt.After(f.To) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *MemoryStore) HasOpenAlert(_ context.Context, vehicleID string, kind domain.AlertKind, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasOpenAlertLocked(vehicleID, kind, since), nil
}

func (s *MemoryStore) hasOpenAlertLocked(vehicleID string, kind domain.AlertKind, since time.Time) bool {
	for _, a := range s.alerts {
		if a.VehicleID == vehicleID && a.Kind == kind && a.Open() && !a.CreatedAt.Before(since) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) InsertAlert(_ context.Context, a *domain.Alert) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertAlertLocked(a), nil
}

func (s *MemoryStore) insertAlertLocked(a *domain.Alert) int64 {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.nextAlertID++
	a.ID = s.nextAlertID
	s.alerts = append(s.alerts, *a)
	return a.ID
}

func (s *MemoryStore) InsertAlertIfNoneOpen(_ context.Context, a *domain.Alert, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasOpenAlertLocked(a.VehicleID, a.Kind, since) {
		return false, nil
	}
	s.insertAlertLocked(a)
	return true, nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id int64) (domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if a.ID == id {
			return a, nil
		}
	}
	return domain.Alert{}, ErrNotFound
}

func (s *MemoryStore) ResolveAlert(_ context.Context, id int64, r Resolution) (domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		a := &s.alerts[i]
		if a.ID != id {
			continue
		}
		if !a.Open() {
			return *a, ErrAlreadyResolved
		}
		at := r.At
		if at.IsZero() {
			at = s.now()
		}
		by := r.ResolvedBy
		a.ResolvedBy = &by
		a.ResolvedAt = &at
		a.ResolutionNotes = r.Notes
		return *a, nil
	}
	return domain.Alert{}, ErrNotFound
}

// ListAlerts returns newest first.
func (s *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Alert{}
	skipped := 0
	limit := clampLimit(f.Limit)
	for i := len(s.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		a := s.alerts[i]
		if f.VehicleID != "" && a.VehicleID != f.VehicleID {
			continue
		}
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Resolved != nil && *f.Resolved == a.Open() {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *MemoryStore) BatchInsertAudit(_ context.Context, entries []AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entries...)
	return nil
}

func (s *MemoryStore) AuditEntries() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.audit)
}
