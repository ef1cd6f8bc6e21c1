package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-monitor/cleaning/internal/domain"
)

// PostgresStore persists events, alerts and audit entries in TimescaleDB.
// Every row is scoped to the fleet the store was opened for.
type PostgresStore struct {
	pool    *pgxpool.Pool
	fleetID string
}

func NewPostgresStore(ctx context.Context, databaseURL, fleetID string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &PostgresStore{pool: pool, fleetID: fleetID}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append inserts the event and fills in its id and created_at. created_at is
// clamped to the newest stored event so it never goes backwards.
func (s *PostgresStore) Append(ctx context.Context, ev *domain.CleaningEvent) (int64, error) {
	query := `
		INSERT INTO cleaning_events
			(vehicle_id, fleet_id, verdict, confidence, issues, origin,
			 inspector_id, notes, thumbnail_url, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9,
			 GREATEST(NOW(), COALESCE((SELECT MAX(created_at) FROM cleaning_events), NOW())))
		RETURNING id, created_at
	`
	issues := ev.Issues
	if issues == nil {
		issues = []string{}
	}
	err := s.pool.QueryRow(
		ctx,
		query,
		ev.VehicleID,
		s.fleetID,
		string(ev.Verdict),
		ev.Confidence,
		issues,
		string(ev.Origin),
		nullString(ev.InspectorID),
		nullString(ev.Notes),
		nullString(ev.ThumbnailURL),
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert cleaning event: %w", err)
	}
	return ev.ID, nil
}

func (s *PostgresStore) CountByVehicleAndVerdict(ctx context.Context, vehicleID string, verdict domain.Verdict, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM cleaning_events
		WHERE fleet_id = $1 AND vehicle_id = $2 AND verdict = $3 AND created_at >= $4
	`
	var count int
	if err := s.pool.QueryRow(ctx, query, s.fleetID, vehicleID, string(verdict), since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

const eventColumns = `id, vehicle_id, verdict, confidence, issues, origin,
	COALESCE(inspector_id, ''), COALESCE(notes, ''), COALESCE(thumbnail_url, ''), created_at`

func scanEvent(row pgx.Row) (domain.CleaningEvent, error) {
	var (
		ev      domain.CleaningEvent
		verdict string
		origin  string
	)
	err := row.Scan(&ev.ID, &ev.VehicleID, &verdict, &ev.Confidence, &ev.Issues, &origin,
		&ev.InspectorID, &ev.Notes, &ev.ThumbnailURL, &ev.CreatedAt)
	ev.Verdict = domain.Verdict(verdict)
	ev.Origin = domain.Origin(origin)
	return ev, err
}

func (s *PostgresStore) GetEvent(ctx context.Context, id int64) (domain.CleaningEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM cleaning_events WHERE fleet_id = $1 AND id = $2`, s.fleetID, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CleaningEvent{}, ErrNotFound
	}
	if err != nil {
		return domain.CleaningEvent{}, fmt.Errorf("get event %d: %w", id, err)
	}
	return ev, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, f EventFilter) ([]domain.CleaningEvent, error) {
	w := newWhere(s.fleetID)
	if f.VehicleID != "" {
		w.add("vehicle_id = %s", f.VehicleID)
	}
	if f.Verdict != "" {
		w.add("verdict = %s", string(f.Verdict))
	}
	if !f.From.IsZero() {
		w.add("created_at >= %s", f.From)
	}
	if !f.To.IsZero() {
		w.add("created_at <= %s", f.To)
	}
	query := fmt.Sprintf(`SELECT %s FROM cleaning_events WHERE %s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`,
		eventColumns, w.sql(), clampLimit(f.Limit), max(f.Offset, 0))

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := []domain.CleaningEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HasOpenAlert(ctx context.Context, vehicleID string, kind domain.AlertKind, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM vehicle_alerts
			WHERE fleet_id = $1 AND vehicle_id = $2 AND kind = $3
			  AND resolved_at IS NULL AND created_at >= $4
		)
	`
	var open bool
	if err := s.pool.QueryRow(ctx, query, s.fleetID, vehicleID, string(kind), since).Scan(&open); err != nil {
		return false, fmt.Errorf("open alert lookup: %w", err)
	}
	return open, nil
}

func (s *PostgresStore) InsertAlert(ctx context.Context, a *domain.Alert) (int64, error) {
	query := `
		INSERT INTO vehicle_alerts
			(vehicle_id, fleet_id, kind, severity, detail, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, query,
		a.VehicleID, s.fleetID, string(a.Kind), string(a.Severity), a.Detail, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}
	return a.ID, nil
}

// InsertAlertIfNoneOpen takes a transaction-scoped advisory lock on
// (vehicle, kind) so concurrent callers serialize on the existence check.
func (s *PostgresStore) InsertAlertIfNoneOpen(ctx context.Context, a *domain.Alert, since time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	lockKey := s.fleetID + ":" + a.VehicleID + ":" + string(a.Kind)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO vehicle_alerts
			(vehicle_id, fleet_id, kind, severity, detail, created_at)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE NOT EXISTS (
			SELECT 1 FROM vehicle_alerts
			WHERE fleet_id = $2 AND vehicle_id = $1 AND kind = $3
			  AND resolved_at IS NULL AND created_at >= $7
		)
		RETURNING id
	`
	err = tx.QueryRow(ctx, query,
		a.VehicleID, s.fleetID, string(a.Kind), string(a.Severity), a.Detail, a.CreatedAt, since,
	).Scan(&a.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("conditional insert alert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

const alertColumns = `id, vehicle_id, kind, severity, detail, created_at,
	resolved_by, resolved_at, COALESCE(resolution_notes, '')`

func scanAlert(row pgx.Row) (domain.Alert, error) {
	var (
		a        domain.Alert
		kind     string
		severity string
	)
	err := row.Scan(&a.ID, &a.VehicleID, &kind, &severity, &a.Detail, &a.CreatedAt,
		&a.ResolvedBy, &a.ResolvedAt, &a.ResolutionNotes)
	a.Kind = domain.AlertKind(kind)
	a.Severity = domain.AlertSeverity(severity)
	return a, err
}

func (s *PostgresStore) GetAlert(ctx context.Context, id int64) (domain.Alert, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM vehicle_alerts WHERE fleet_id = $1 AND id = $2`, s.fleetID, id)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Alert{}, ErrNotFound
	}
	if err != nil {
		return domain.Alert{}, fmt.Errorf("get alert %d: %w", id, err)
	}
	return a, nil
}

// ResolveAlert closes an open alert. Resolving twice returns the stored alert
// with ErrAlreadyResolved.
func (s *PostgresStore) ResolveAlert(ctx context.Context, id int64, r Resolution) (domain.Alert, error) {
	at := r.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	query := `
		UPDATE vehicle_alerts
		SET resolved_by = $3, resolved_at = $4, resolution_notes = $5
		WHERE fleet_id = $1 AND id = $2 AND resolved_at IS NULL
		RETURNING ` + alertColumns
	a, err := scanAlert(s.pool.QueryRow(ctx, query, s.fleetID, id, r.ResolvedBy, at, nullString(r.Notes)))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Alert{}, fmt.Errorf("resolve alert %d: %w", id, err)
	}

	existing, err := s.GetAlert(ctx, id)
	if err != nil {
		return domain.Alert{}, err
	}
	return existing, ErrAlreadyResolved
}

func (s *PostgresStore) ListAlerts(ctx context.Context, f AlertFilter) ([]domain.Alert, error) {
	w := newWhere(s.fleetID)
	if f.VehicleID != "" {
		w.add("vehicle_id = %s", f.VehicleID)
	}
	if f.Kind != "" {
		w.add("kind = %s", string(f.Kind))
	}
	if f.Severity != "" {
		w.add("severity = %s", string(f.Severity))
	}
	if f.Resolved != nil {
		if *f.Resolved {
			w.clauses = append(w.clauses, "resolved_at IS NOT NULL")
		} else {
			w.clauses = append(w.clauses, "resolved_at IS NULL")
		}
	}
	query := fmt.Sprintf(`SELECT %s FROM vehicle_alerts WHERE %s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`,
		alertColumns, w.sql(), clampLimit(f.Limit), max(f.Offset, 0))

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	out := []domain.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var auditColumns = []string{
	"created_at",
	"fleet_id",
	"actor_id",
	"action",
	"entity",
	"entity_id",
	"diff_json",
}

func (s *PostgresStore) BatchInsertAudit(ctx context.Context, entries []AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([][]any, len(entries))
	for i, e := range entries {
		diff, err := json.Marshal(e.Diff)
		if err != nil {
			return fmt.Errorf("marshal audit diff: %w", err)
		}
		rows[i] = []any{
			e.CreatedAt,
			s.fleetID,
			nullString(e.ActorID),
			e.Action,
			e.Entity,
			e.EntityID,
			string(diff),
		}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"audit_logs"},
		auditColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(entries), err)
	}

	return nil
}

// where builds a fleet-scoped WHERE clause with numbered placeholders.
type where struct {
	clauses []string
	args    []any
}

func newWhere(fleetID string) *where {
	return &where{clauses: []string{"fleet_id = $1"}, args: []any{fleetID}}
}

func (w *where) add(format string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(format, fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) sql() string {
	return strings.Join(w.clauses, " AND ")
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
