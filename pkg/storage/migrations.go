package storage

import (
	"database/sql"
	"fmt"
)

// Timestamps are stored as INTEGER unix nanoseconds (UTC); 0 means unset.
var migrations = []string{
	// Migration 1: definitions, values, rules, alerts
	`CREATE TABLE IF NOT EXISTS kpi_definitions (
		tenant_id   TEXT NOT NULL,
		id          TEXT NOT NULL,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		vertical    TEXT NOT NULL DEFAULT '',
		formula     TEXT NOT NULL,
		granularity TEXT NOT NULL CHECK(granularity IN ('hourly', 'daily', 'weekly', 'monthly')),
		unit        TEXT NOT NULL DEFAULT '',
		target      REAL,
		watermark   INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS kpi_values (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		kpi_id       TEXT NOT NULL,
		period_start INTEGER NOT NULL,
		period_end   INTEGER NOT NULL,
		value        REAL,
		considered   INTEGER NOT NULL DEFAULT 0,
		skipped      INTEGER NOT NULL DEFAULT 0,
		computed_at  INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_values_period ON kpi_values(tenant_id, kpi_id, period_start, period_end);

	CREATE TABLE IF NOT EXISTS alert_rules (
		tenant_id  TEXT NOT NULL,
		id         TEXT NOT NULL,
		kpi_id     TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		kind       TEXT NOT NULL CHECK(kind IN ('threshold', 'anomaly')),
		severity   TEXT NOT NULL CHECK(severity IN ('low', 'medium', 'high', 'critical')),
		params     TEXT NOT NULL DEFAULT '{}',
		enabled    INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_rules_kpi ON alert_rules(tenant_id, kpi_id);

	CREATE TABLE IF NOT EXISTS alerts (
		id               TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL,
		rule_id          TEXT NOT NULL,
		kpi_id           TEXT NOT NULL,
		rule_kind        TEXT NOT NULL,
		severity         TEXT NOT NULL,
		state            TEXT NOT NULL CHECK(state IN ('new', 'acknowledged', 'resolved')),
		triggered_at     INTEGER NOT NULL,
		trigger_value_id TEXT NOT NULL,
		period_start     INTEGER NOT NULL,
		period_end       INTEGER NOT NULL,
		last_observed_at INTEGER NOT NULL,
		last_period_end  INTEGER NOT NULL,
		observed_count   INTEGER NOT NULL DEFAULT 1,
		observed_value   REAL NOT NULL,
		context          TEXT NOT NULL DEFAULT '',
		acknowledged_at  INTEGER,
		acknowledged_by  TEXT NOT NULL DEFAULT '',
		resolved_at      INTEGER,
		resolved_by      TEXT NOT NULL DEFAULT '',
		resolution       TEXT NOT NULL DEFAULT '',
		task_ref         TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_scope ON alerts(tenant_id, state, triggered_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(tenant_id, rule_id, triggered_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_one_open ON alerts(tenant_id, rule_id) WHERE state IN ('new', 'acknowledged');`,

	// Migration 2: forecast points
	`CREATE TABLE IF NOT EXISTS forecast_points (
		tenant_id    TEXT NOT NULL,
		kpi_id       TEXT NOT NULL,
		period_start INTEGER NOT NULL,
		predicted    REAL NOT NULL,
		lower        REAL NOT NULL,
		upper        REAL NOT NULL,
		PRIMARY KEY (tenant_id, kpi_id, period_start)
	);`,
}

// runMigrations applies pending schema migrations.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var currentVersion int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := currentVersion; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("run migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
