package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// 表结构（网关启动时幂等创建）
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		device_id        TEXT PRIMARY KEY,
		device_type      TEXT NOT NULL,
		label            TEXT NOT NULL DEFAULT '',
		connection_state TEXT NOT NULL DEFAULT 'Discovering',
		last_seen_at     TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS parameter_sets (
		device_id  TEXT PRIMARY KEY REFERENCES devices(device_id),
		params     JSONB NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS alarm_records (
		device_id     TEXT NOT NULL,
		code          TEXT NOT NULL,
		severity      TEXT NOT NULL DEFAULT 'warning',
		active        BOOLEAN NOT NULL DEFAULT false,
		snoozed_until TIMESTAMPTZ,
		triggered_at  TIMESTAMPTZ,
		cleared_at    TIMESTAMPTZ,
		meta          JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (device_id, code)
	)`,
	`CREATE TABLE IF NOT EXISTS calibration_results (
		device_id        TEXT PRIMARY KEY,
		full_edges       DOUBLE PRECISION NOT NULL,
		sample_length_mm DOUBLE PRECISION NOT NULL,
		target_length_mm DOUBLE PRECISION NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS usage_events (
		id        TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		ts        TIMESTAMPTZ NOT NULL,
		quantity  DOUBLE PRECISION NOT NULL,
		unit      TEXT NOT NULL DEFAULT '',
		source    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_device_ts
		ON usage_events (device_id, ts)`,
	`CREATE TABLE IF NOT EXISTS reset_baselines (
		device_id  TEXT PRIMARY KEY,
		baseline   TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema 幂等创建全部表
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
