package main

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"

	"fleet-monitor/cleaning/internal/config"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	fmt.Println("Connecting to TimescaleDB...")
	conn, err := pgx.Connect(ctx, fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName))
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure TimescaleDB is running:\n  docker-compose up -d timescaledb", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	stepExtensions(ctx, conn)
	stepEventsTable(ctx, conn)
	stepAlertsTable(ctx, conn)
	stepAuditTable(ctx, conn)
	stepIndexes(ctx, conn)
	stepVerify(ctx, conn)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run ./scripts/seed_redis")
}

// ── Step 1: extensions ──────────────────────────────────────
func stepExtensions(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: Extensions ──────────────────────────")

	// audit_logs is a hypertable
	execOrFatal(ctx, conn,
		"CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;",
		"timescaledb extension",
	)
}

// ── Step 2: cleaning_events ─────────────────────────────────
func stepEventsTable(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: cleaning_events table ───────────────")

	// Plain table: events are referenced by id from alerts and audit rows,
	// and a hypertable cannot carry a unique id without the time column.
	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS cleaning_events (
			id             BIGSERIAL        PRIMARY KEY,
			vehicle_id     TEXT             NOT NULL,
			fleet_id       TEXT             NOT NULL,
			verdict        TEXT             NOT NULL,

			-- NULL when the inspector gave no confidence
			confidence     DOUBLE PRECISION,
			issues         TEXT[]           NOT NULL DEFAULT '{}',
			origin         TEXT             NOT NULL DEFAULT 'edge',
			inspector_id   TEXT,
			notes          VARCHAR(1000),
			thumbnail_url  VARCHAR(500),
			created_at     TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			CONSTRAINT chk_verdict CHECK (verdict IN ('clean', 'dirty', 'uncertain')),
			CONSTRAINT chk_origin CHECK (origin IN ('edge', 'server', 'manual')),
			CONSTRAINT chk_confidence CHECK (confidence IS NULL OR (confidence >= 0 AND confidence <= 1))
		);
	`, "cleaning_events table created")
}

// ── Step 3: vehicle_alerts ──────────────────────────────────
func stepAlertsTable(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: vehicle_alerts table ────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS vehicle_alerts (
			id                BIGSERIAL     PRIMARY KEY,
			vehicle_id        TEXT          NOT NULL,
			fleet_id          TEXT          NOT NULL,

			-- must match domain.AlertKind and domain.AlertSeverity
			kind              TEXT          NOT NULL,
			severity          TEXT          NOT NULL,
			detail            VARCHAR(500)  NOT NULL,
			created_at        TIMESTAMPTZ   NOT NULL DEFAULT NOW(),

			-- NULL resolved_at means the alert is open
			resolved_by       TEXT,
			resolved_at       TIMESTAMPTZ,
			resolution_notes  TEXT,

			CONSTRAINT chk_kind CHECK (
				kind IN ('repeated_dirty', 'very_dirty', 'recurring_uncertain')
			),
			CONSTRAINT chk_severity CHECK (
				severity IN ('info', 'warning', 'critical')
			),
			CONSTRAINT chk_resolution CHECK (
				(resolved_at IS NULL) = (resolved_by IS NULL)
			)
		);
	`, "vehicle_alerts table created")
}

// ── Step 4: audit_logs ──────────────────────────────────────
func stepAuditTable(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 4: audit_logs table ────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS audit_logs (
			created_at  TIMESTAMPTZ  NOT NULL,
			fleet_id    TEXT         NOT NULL,
			actor_id    TEXT,
			action      TEXT         NOT NULL,
			entity      TEXT         NOT NULL,
			entity_id   BIGINT       NOT NULL,
			diff_json   JSONB
		);
	`, "audit_logs table created")

	execOrFatal(ctx, conn, `
		SELECT create_hypertable(
			'audit_logs',
			'created_at',
			if_not_exists => TRUE
		);
	`, "audit_logs converted to hypertable")
}

// ── Step 5: indexes ─────────────────────────────────────────
func stepIndexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 5: Indexes ─────────────────────────────")

	indexes := []struct {
		name string
		sql  string
		why  string
	}{
		{
			name: "idx_events_vehicle_verdict_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_events_vehicle_verdict_time
				  ON cleaning_events (fleet_id, vehicle_id, verdict, created_at DESC);`,
			why: "rule window counts",
		},
		{
			name: "idx_events_created_at",
			sql: `CREATE INDEX IF NOT EXISTS idx_events_created_at
				  ON cleaning_events (created_at DESC);`,
			why: "event listing, monotonic created_at guard",
		},
		{
			name: "idx_alerts_vehicle",
			sql: `CREATE INDEX IF NOT EXISTS idx_alerts_vehicle
				  ON vehicle_alerts (fleet_id, vehicle_id, created_at DESC);`,
			why: "alerts for one vehicle",
		},
		{
			name: "idx_alerts_open",
			sql: `CREATE INDEX IF NOT EXISTS idx_alerts_open
				  ON vehicle_alerts (fleet_id, vehicle_id, kind, created_at DESC)
				  WHERE resolved_at IS NULL;`,
			why: "open-alert dedup lookup (partial index)",
		},
		{
			name: "idx_audit_entity",
			sql: `CREATE INDEX IF NOT EXISTS idx_audit_entity
				  ON audit_logs (entity, entity_id, created_at DESC);`,
			why: "history of one event or alert",
		},
	}

	for _, idx := range indexes {
		execOrFatal(ctx, conn, idx.sql,
			fmt.Sprintf("%-34s <- %s", idx.name, idx.why),
		)
	}
}

// ── Step 6: verify ──────────────────────────────────────────
func stepVerify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 6: Verification ────────────────────────")

	for _, table := range []string{"cleaning_events", "vehicle_alerts", "audit_logs"} {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil || !exists {
			log.Fatalf("Table %s was not created: %v", table, err)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	var hypertableName string
	err := conn.QueryRow(ctx, `
		SELECT hypertable_name
		FROM timescaledb_information.hypertables
		WHERE hypertable_name = 'audit_logs'
	`).Scan(&hypertableName)
	if err != nil {
		log.Fatalf("audit_logs is not a hypertable: %v", err)
	}
	fmt.Printf("  ✓ hypertable: %s\n", hypertableName)

	var indexCount int
	err = conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename IN ('cleaning_events', 'vehicle_alerts', 'audit_logs')
		AND indexname LIKE 'idx_%'
	`).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
}

func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	if _, err := conn.Exec(ctx, sql); err != nil {
		log.Fatalf("FAILED: %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}
