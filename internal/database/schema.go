package database

import (
	"context"
	"fmt"

	"github.com/jotbook/realtime/internal/telemetry"
)

// schemaStatements creates the tables this service owns. Every statement is
// idempotent so bring-up can run on every start. The users and device_tokens
// tables belong to the account and device services; they are created here
// only so a fresh single-node deployment works end to end, and are otherwise
// consumed read-only.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS notifications (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		type            TEXT NOT NULL,
		channel         TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'pending',
		priority        TEXT NOT NULL DEFAULT 'medium',
		title           TEXT NOT NULL,
		message         TEXT NOT NULL,
		data            JSONB,
		actions         JSONB,
		idempotency_key TEXT,
		expires_at      TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		delivered_at    TIMESTAMPTZ,
		read_at         TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_idempotency
		ON notifications (idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user_created
		ON notifications (user_id, created_at DESC, id)`,
	`CREATE TABLE IF NOT EXISTS notification_deliveries (
		id              TEXT PRIMARY KEY,
		notification_id TEXT NOT NULL,
		channel         TEXT NOT NULL,
		status          TEXT NOT NULL,
		error           TEXT,
		sent_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_notification
		ON notification_deliveries (notification_id, channel, sent_at)`,
	`CREATE TABLE IF NOT EXISTS notification_preferences (
		user_id    TEXT PRIMARY KEY,
		prefs      JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS notification_batches (
		id         TEXT PRIMARY KEY,
		template   TEXT NOT NULL,
		total      INTEGER NOT NULL DEFAULT 0,
		sent       INTEGER NOT NULL DEFAULT 0,
		delivered  INTEGER NOT NULL DEFAULT 0,
		failed     INTEGER NOT NULL DEFAULT 0,
		read       INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sync_deltas (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		change_id   TEXT NOT NULL,
		device_id   TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		operation   TEXT NOT NULL,
		payload     JSONB,
		client_ts   TIMESTAMPTZ NOT NULL,
		server_ts   TIMESTAMPTZ NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (user_id, device_id, change_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_deltas_user_server_ts
		ON sync_deltas (user_id, server_ts)`,
	`CREATE TABLE IF NOT EXISTS entity_versions (
		entity_kind TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		server_ts   TIMESTAMPTZ NOT NULL,
		deleted     BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (entity_kind, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS entity_snapshots (
		entity_kind TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		payload     JSONB,
		deleted     BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (entity_kind, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id    TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS device_tokens (
		user_id       TEXT NOT NULL,
		platform      TEXT NOT NULL,
		token         TEXT NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, platform, token)
	)`,
}

// EnsureSchema applies the DDL above, stopping at the first failure.
func (db *DB) EnsureSchema(ctx context.Context) error {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation": "ensure_schema",
	})

	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.WithError(err).WithField("statement", i).Error("Schema statement failed")
			return fmt.Errorf("schema statement %d failed: %w", i, err)
		}
	}

	logger.Info("Schema is up to date")
	return nil
}
