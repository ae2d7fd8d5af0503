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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vzahanych/view-guard/pkg/models"
)

var (
	ErrEventNotFound = fmt.Errorf("%w: event", models.ErrNotFound)
	errBadCursor     = fmt.Errorf("%w: malformed pagination cursor", models.ErrProtocolViolation)
)

const upsertEventSQL = `
INSERT INTO events (
	event_id, tenant_id, device_id, camera_id, category, severity,
	started_at, ended_at, clip_ref, snapshot_refs, archive_status,
	created_at, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now()
)
ON CONFLICT (event_id) DO UPDATE SET
	camera_id = EXCLUDED.camera_id,
	category = EXCLUDED.category,
	severity = EXCLUDED.severity,
	started_at = EXCLUDED.started_at,
	ended_at = EXCLUDED.ended_at,
	clip_ref = EXCLUDED.clip_ref,
	snapshot_refs = EXCLUDED.snapshot_refs,
	updated_at = now()
RETURNING (xmax = 0) AS inserted`

const selectEventColumns = `
SELECT event_id, tenant_id, device_id, camera_id, category, severity,
       started_at, COALESCE(ended_at, 'epoch'::timestamptz), clip_ref,
       snapshot_refs, archive_status, created_at, updated_at
FROM events`

// UpsertEvent stores an event idempotently, keyed by event id. A
// duplicate delivery after an edge retry updates in place and never
// double-counts. The archive-status annotation is node-owned and not
// touched by edge upserts. Returns true when the event was new.
func (db *DB) UpsertEvent(ctx context.Context, event *models.Event) (bool, error) {
	snapshots, err := json.Marshal(event.SnapshotRefs)
	if err != nil {
		return false, fmt.Errorf("db: marshal snapshot refs: %w", err)
	}

	var endedAt *time.Time
	if !event.EndedAt.IsZero() {
		endedAt = &event.EndedAt
	}

	var inserted bool

	err = db.pool.QueryRow(ctx, upsertEventSQL,
		event.EventID, event.TenantID, event.DeviceID, event.CameraID,
		event.Category, string(event.Severity), event.StartedAt, endedAt,
		event.ClipRef, snapshots, string(models.ArchiveNotEligible),
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("db: upsert event: %w", err)
	}

	return inserted, nil
}

// GetEvent loads one cached event.
func (db *DB) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	rows, err := db.pool.Query(ctx, selectEventColumns+` WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, fmt.Errorf("db: get event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}

	return scanEvent(rows)
}

// SetEventArchiveStatus records the node-side archive annotation.
func (db *DB) SetEventArchiveStatus(ctx context.Context, eventID string, status models.ArchiveStatus) error {
	tag, err := db.pool.Exec(ctx, `
UPDATE events SET archive_status = $2, updated_at = now() WHERE event_id = $1`,
		eventID, string(status))
	if err != nil {
		return fmt.Errorf("db: set event archive status: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}

	return nil
}

// QueryEvents pages through cached events, newest first, restartable
// via the returned cursor. Zero filter fields match everything.
func (db *DB) QueryEvents(ctx context.Context, filter models.EventFilter) (*models.EventPage, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)

	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.TenantID != "" {
		where = append(where, "tenant_id = "+arg(filter.TenantID))
	}

	if filter.DeviceID != "" {
		where = append(where, "device_id = "+arg(filter.DeviceID))
	}

	if filter.CameraID != "" {
		where = append(where, "camera_id = "+arg(filter.CameraID))
	}

	if filter.Category != "" {
		where = append(where, "category = "+arg(filter.Category))
	}

	if !filter.Since.IsZero() {
		where = append(where, "started_at >= "+arg(filter.Since))
	}

	if !filter.Until.IsZero() {
		where = append(where, "started_at <= "+arg(filter.Until))
	}

	if filter.Cursor != "" {
		cursorAt, cursorID, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}

		where = append(where, fmt.Sprintf("(started_at, event_id) < (%s, %s)",
			arg(cursorAt), arg(cursorID)))
	}

	query := selectEventColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY started_at DESC, event_id DESC LIMIT " + arg(limit+1)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db: query events: %w", err)
	}
	defer rows.Close()

	page := &models.EventPage{}

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}

		page.Events = append(page.Events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: query events: %w", err)
	}

	if len(page.Events) > limit {
		page.Events = page.Events[:limit]
		last := page.Events[limit-1]
		page.NextCursor = encodeCursor(last.StartedAt, last.EventID)
	}

	return page, nil
}

// ListUnforwarded returns events not yet summarized to the control
// plane, or changed since they last were. Ordered oldest-change first.
func (db *DB) ListUnforwarded(ctx context.Context, limit int) ([]*models.Event, error) {
	rows, err := db.pool.Query(ctx, selectEventColumns+`
 WHERE forwarded_at IS NULL OR updated_at > forwarded_at
 ORDER BY updated_at ASC
 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("db: list unforwarded: %w", err)
	}
	defer rows.Close()

	var events []*models.Event

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

// MarkForwarded stamps events as summarized to the control plane.
func (db *DB) MarkForwarded(ctx context.Context, eventIDs []string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}

	_, err := db.pool.Exec(ctx, `
UPDATE events SET forwarded_at = $2 WHERE event_id = ANY($1)`, eventIDs, at)
	if err != nil {
		return fmt.Errorf("db: mark forwarded: %w", err)
	}

	return nil
}

// PurgeExpiredEvents deletes events older than the tenant retention
// horizon. Events whose archive upload is still pending are skipped so
// the orchestrator never loses the record it is working against.
func (db *DB) PurgeExpiredEvents(ctx context.Context, tenantID string, olderThan time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `
DELETE FROM events
WHERE tenant_id = $1
  AND started_at < $2
  AND archive_status NOT IN ($3, $4, $5)`,
		tenantID, olderThan,
		string(models.ArchivePending), string(models.ArchiveEncrypting), string(models.ArchiveUploading))
	if err != nil {
		return 0, fmt.Errorf("db: purge expired events: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanEvent(rows pgx.Rows) (*models.Event, error) {
	var (
		event     models.Event
		severity  string
		status    string
		snapshots []byte
	)

	err := rows.Scan(
		&event.EventID, &event.TenantID, &event.DeviceID, &event.CameraID,
		&event.Category, &severity, &event.StartedAt, &event.EndedAt,
		&event.ClipRef, &snapshots, &status, &event.CreatedAt, &event.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db: scan event: %w", err)
	}

	if err := json.Unmarshal(snapshots, &event.SnapshotRefs); err != nil {
		return nil, fmt.Errorf("db: decode snapshot refs: %w", err)
	}

	event.Severity = models.EventSeverity(severity)
	event.ArchiveStatus = models.ArchiveStatus(status)

	return &event, nil
}

func encodeCursor(startedAt time.Time, eventID string) string {
	raw := strconv.FormatInt(startedAt.UnixMicro(), 10) + "|" + eventID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", errBadCursor
	}

	at, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, "", errBadCursor
	}

	micros, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return time.Time{}, "", errBadCursor
	}

	return time.UnixMicro(micros).UTC(), id, nil
}
