/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package db

import (
	"context"
	"fmt"
)

var bootstrapStatements = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		device_id       TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		session_state   TEXT NOT NULL DEFAULT 'disconnected',
		credential_hash TEXT NOT NULL DEFAULT '',
		promoted        BOOLEAN NOT NULL DEFAULT FALSE,
		promoted_at     TIMESTAMPTZ,
		deactivated     BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen       TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		event_id       TEXT PRIMARY KEY,
		tenant_id      TEXT NOT NULL,
		device_id      TEXT NOT NULL,
		camera_id      TEXT NOT NULL DEFAULT '',
		category       TEXT NOT NULL DEFAULT '',
		severity       TEXT NOT NULL DEFAULT '',
		started_at     TIMESTAMPTZ NOT NULL,
		ended_at       TIMESTAMPTZ,
		clip_ref       TEXT NOT NULL DEFAULT '',
		snapshot_refs  JSONB NOT NULL DEFAULT '[]',
		archive_status TEXT NOT NULL DEFAULT 'not_eligible',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		forwarded_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_query
		ON events (tenant_id, device_id, started_at DESC, event_id)`,
	`CREATE TABLE IF NOT EXISTS quota_ledger (
		tenant_id       TEXT PRIMARY KEY,
		committed_bytes BIGINT NOT NULL DEFAULT 0,
		committed_count BIGINT NOT NULL DEFAULT 0,
		reserved_bytes  BIGINT NOT NULL DEFAULT 0,
		reserved_count  BIGINT NOT NULL DEFAULT 0,
		limit_bytes     BIGINT NOT NULL,
		limit_count     BIGINT NOT NULL,
		retention_days  INTEGER NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS archive_records (
		event_id      TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		locator       TEXT NOT NULL,
		size_bytes    BIGINT NOT NULL,
		metadata_hash TEXT NOT NULL,
		uploaded_at   TIMESTAMPTZ NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_archive_records_expiry
		ON archive_records (expires_at)`,
	`CREATE TABLE IF NOT EXISTS stream_token_uses (
		token_id   TEXT PRIMARY KEY,
		uses       INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Bootstrap creates the node schema if it does not exist. Statements
// are idempotent so startup can run this unconditionally.
func (db *DB) Bootstrap(ctx context.Context) error {
	for _, stmt := range bootstrapStatements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("db: bootstrap schema: %w", err)
		}
	}

	db.logger.Debug().Msg("Node schema bootstrap complete")

	return nil
}
