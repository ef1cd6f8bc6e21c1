package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleet-monitor/cleaning/internal/domain"
)

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time { return c.t }

func TestMemoryAppendAssignsIDAndMonotonicTime(t *testing.T) {
	clock := &stepClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(WithMemoryClock(clock.Now))
	ctx := context.Background()

	first := &domain.CleaningEvent{VehicleID: "V1", Verdict: domain.VerdictDirty, Issues: []string{"mud"}}
	id1, err := s.Append(ctx, first)
	if err != nil {
		t.Fatal(err)
	}

	clock.t = clock.t.Add(-time.Hour)
	second := &domain.CleaningEvent{VehicleID: "V1", Verdict: domain.VerdictClean}
	id2, _ := s.Append(ctx, second)

	if id1 != 1 || id2 != 2 {
		t.Fatalf("ids = %d, %d", id1, id2)
	}
	if second.CreatedAt.Before(first.CreatedAt) {
		t.Fatalf("created_at went backwards: %v < %v", second.CreatedAt, first.CreatedAt)
	}

	// stored copy is isolated from the caller's slice
	first.Issues[0] = "changed"
	got, err := s.GetEvent(ctx, id1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Issues[0] != "mud" {
		t.Errorf("stored issues mutated: %v", got.Issues)
	}
}

func TestMemoryCountByVehicleAndVerdict(t *testing.T) {
	clock := &stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(WithMemoryClock(clock.Now))
	ctx := context.Background()

	add := func(vehicle string, v domain.Verdict) {
		if _, err := s.Append(ctx, &domain.CleaningEvent{VehicleID: vehicle, Verdict: v}); err != nil {
			t.Fatal(err)
		}
		clock.t = clock.t.Add(time.Hour)
	}
	add("V1", domain.VerdictDirty) // 00:00
	add("V1", domain.VerdictDirty) // 01:00
	add("V1", domain.VerdictClean) // 02:00
	add("V2", domain.VerdictDirty) // 03:00
	add("V1", domain.VerdictDirty) // 04:00

	tests := []struct {
		vehicle string
		verdict domain.Verdict
		since   time.Time
		want    int
	}{
		{"V1", domain.VerdictDirty, time.Time{}, 3},
		{"V1", domain.VerdictDirty, clock.t.Add(-4 * time.Hour), 2},
		{"V1", domain.VerdictClean, time.Time{}, 1},
		{"V2", domain.VerdictDirty, time.Time{}, 1},
		{"V3", domain.VerdictDirty, time.Time{}, 0},
	}
	for _, tt := range tests {
		got, err := s.CountByVehicleAndVerdict(ctx, tt.vehicle, tt.verdict, tt.since)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("count(%s, %s, %v) = %d, want %d", tt.vehicle, tt.verdict, tt.since, got, tt.want)
		}
	}
}

func TestMemoryListEventsFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, v := range []domain.Verdict{domain.VerdictDirty, domain.VerdictClean, domain.VerdictDirty} {
		s.Append(ctx, &domain.CleaningEvent{VehicleID: "V1", Verdict: v})
	}
	s.Append(ctx, &domain.CleaningEvent{VehicleID: "V2", Verdict: domain.VerdictDirty})

	got, _ := s.ListEvents(ctx, EventFilter{VehicleID: "V1", Verdict: domain.VerdictDirty})
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 1 {
		t.Fatalf("got %+v, want ids 3,1", got)
	}

	got, _ = s.ListEvents(ctx, EventFilter{Limit: 1, Offset: 1})
	if len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("paged: got %+v", got)
	}

	got, _ = s.ListEvents(ctx, EventFilter{VehicleID: "none"})
	if got == nil || len(got) != 0 {
		t.Fatalf("want empty non-nil slice, got %#v", got)
	}
}

func TestMemoryConditionalInsert(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	since := time.Now().Add(-time.Hour)

	a := &domain.Alert{VehicleID: "V1", Kind: domain.AlertRepeatedDirty, Severity: domain.SeverityWarning}
	ok, err := s.InsertAlertIfNoneOpen(ctx, a, since)
	if err != nil || !ok {
		t.Fatalf("first insert: ok=%v err=%v", ok, err)
	}
	if a.ID == 0 {
		t.Fatal("id not assigned")
	}

	dup := &domain.Alert{VehicleID: "V1", Kind: domain.AlertRepeatedDirty, Severity: domain.SeverityWarning}
	if ok, _ := s.InsertAlertIfNoneOpen(ctx, dup, since); ok {
		t.Fatal("duplicate open alert inserted")
	}

	other := &domain.Alert{VehicleID: "V1", Kind: domain.AlertRecurringUncertain, Severity: domain.SeverityInfo}
	if ok, _ := s.InsertAlertIfNoneOpen(ctx, other, since); !ok {
		t.Fatal("different kind should insert")
	}

	if _, err := s.ResolveAlert(ctx, a.ID, Resolution{ResolvedBy: "ops"}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.InsertAlertIfNoneOpen(ctx, dup, since); !ok {
		t.Fatal("insert after resolve should succeed")
	}
}

func TestMemoryResolveAlert(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := &domain.Alert{VehicleID: "V1", Kind: domain.AlertVeryDirty, Severity: domain.SeverityCritical}
	s.InsertAlert(ctx, a)

	resolved, err := s.ResolveAlert(ctx, a.ID, Resolution{ResolvedBy: "inspector-7", Notes: "cleaned"})
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Open() || *resolved.ResolvedBy != "inspector-7" || resolved.ResolutionNotes != "cleaned" {
		t.Fatalf("resolved = %+v", resolved)
	}

	if _, err := s.ResolveAlert(ctx, a.ID, Resolution{ResolvedBy: "x"}); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second resolve err = %v, want ErrAlreadyResolved", err)
	}
	if _, err := s.ResolveAlert(ctx, 999, Resolution{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing alert err = %v, want ErrNotFound", err)
	}

	open := false
	got, _ := s.ListAlerts(ctx, AlertFilter{Resolved: &open})
	if len(got) != 0 {
		t.Fatalf("open alerts = %+v, want none", got)
	}
	closed := true
	got, _ = s.ListAlerts(ctx, AlertFilter{Resolved: &closed, Kind: domain.AlertVeryDirty})
	if len(got) != 1 {
		t.Fatalf("resolved alerts = %+v", got)
	}
}

func TestClampLimit(t *testing.T) {
	tests := map[int]int{0: DefaultListLimit, -5: DefaultListLimit, 10: 10, 1000: MaxListLimit}
	for in, want := range tests {
		if got := clampLimit(in); got != want {
			t.Errorf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestWhereBuilder(t *testing.T) {
	w := newWhere("fleet-1")
	w.add("vehicle_id = %s", "V1")
	w.add("verdict = %s", "dirty")
	if got, want := w.sql(), "fleet_id = $1 AND vehicle_id = $2 AND verdict = $3"; got != want {
		t.Fatalf("sql = %q, want %q", got, want)
	}
	if len(w.args) != 3 {
		t.Fatalf("args = %v", w.args)
	}
}

func TestMemoryBatchInsertAudit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	batch := []AuditEntry{
		{Action: "event.created", Entity: "cleaning_event", EntityID: 1},
		{ActorID: "ops", Action: "alert.resolved", Entity: "vehicle_alert", EntityID: 7},
	}
	if err := s.BatchInsertAudit(ctx, batch); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got := s.AuditEntries()
	if len(got) != 2 || got[1].ActorID != "ops" || got[1].EntityID != 7 {
		t.Fatalf("unexpected audit entries: %+v", got)
	}

	got[0].Action = "mutated"
	if s.AuditEntries()[0].Action != "event.created" {
		t.Fatal("AuditEntries must return a copy")
	}
}
