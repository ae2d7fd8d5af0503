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
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vzahanych/view-guard/pkg/models"
)

var (
	ErrLedgerNotFound  = fmt.Errorf("%w: quota ledger", models.ErrNotFound)
	ErrArchiveNotFound = fmt.Errorf("%w: archive record", models.ErrNotFound)
)

const selectLedgerForUpdateSQL = `
SELECT tenant_id, committed_bytes, committed_count, reserved_bytes, reserved_count,
       limit_bytes, limit_count, retention_days, updated_at
FROM quota_ledger
WHERE tenant_id = $1
FOR UPDATE`

const selectArchiveRecordSQL = `
SELECT event_id, tenant_id, locator, size_bytes, metadata_hash, uploaded_at, expires_at
FROM archive_records
WHERE event_id = $1`

// EnsureLedger creates the tenant's ledger row with the given tier
// limits if it does not exist. Existing limits are left untouched.
func (db *DB) EnsureLedger(ctx context.Context, tenantID string, limitBytes, limitCount int64, retentionDays int) error {
	_, err := db.pool.Exec(ctx, `
INSERT INTO quota_ledger (tenant_id, limit_bytes, limit_count, retention_days)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID, limitBytes, limitCount, retentionDays)
	if err != nil {
		return fmt.Errorf("db: ensure ledger: %w", err)
	}

	return nil
}

// GetLedger loads a tenant's quota ledger.
func (db *DB) GetLedger(ctx context.Context, tenantID string) (*models.QuotaLedger, error) {
	row := db.pool.QueryRow(ctx, `
SELECT tenant_id, committed_bytes, committed_count, reserved_bytes, reserved_count,
       limit_bytes, limit_count, retention_days, updated_at
FROM quota_ledger WHERE tenant_id = $1`, tenantID)

	ledger, err := scanLedger(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrLedgerNotFound, tenantID)
	}

	return ledger, err
}

// RetentionDays returns the tenant's tier retention horizon.
func (db *DB) RetentionDays(ctx context.Context, tenantID string) (int, error) {
	ledger, err := db.GetLedger(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	return ledger.RetentionDays, nil
}

// ReserveQuota atomically checks tier limits and reserves space for an
// upload in flight. The check and the reservation happen inside a
// single row-locked transaction so concurrent submissions for the same
// tenant can never both observe the same headroom. Fails with a
// QuotaExceeded error when either the byte or count limit would be
// crossed.
func (db *DB) ReserveQuota(ctx context.Context, tenantID string, sizeBytes int64) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db: begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ledger, err := scanLedger(tx.QueryRow(ctx, selectLedgerForUpdateSQL, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrLedgerNotFound, tenantID)
	}

	if err != nil {
		return err
	}

	if ledger.CommittedBytes+ledger.ReservedBytes+sizeBytes > ledger.LimitBytes {
		return fmt.Errorf("%w: tenant %s byte limit (%d of %d committed, %d reserved, %d requested)",
			models.ErrQuotaExceeded, tenantID,
			ledger.CommittedBytes, ledger.LimitBytes, ledger.ReservedBytes, sizeBytes)
	}

	if ledger.CommittedCount+ledger.ReservedCount+1 > ledger.LimitCount {
		return fmt.Errorf("%w: tenant %s clip count limit (%d of %d)",
			models.ErrQuotaExceeded, tenantID, ledger.CommittedCount, ledger.LimitCount)
	}

	_, err = tx.Exec(ctx, `
UPDATE quota_ledger
SET reserved_bytes = reserved_bytes + $2, reserved_count = reserved_count + 1, updated_at = now()
WHERE tenant_id = $1`, tenantID, sizeBytes)
	if err != nil {
		return fmt.Errorf("db: reserve quota: %w", err)
	}

	return tx.Commit(ctx)
}

// ReleaseReservation returns reserved space to the pool after an upload
// failed or was cancelled.
func (db *DB) ReleaseReservation(ctx context.Context, tenantID string, sizeBytes int64) error {
	_, err := db.pool.Exec(ctx, `
UPDATE quota_ledger
SET reserved_bytes = GREATEST(reserved_bytes - $2, 0),
    reserved_count = GREATEST(reserved_count - 1, 0),
    updated_at = now()
WHERE tenant_id = $1`, tenantID, sizeBytes)
	if err != nil {
		return fmt.Errorf("db: release reservation: %w", err)
	}

	return nil
}

// CommitArchive converts a reservation into a committed archive record.
// Record creation and ledger movement happen in one transaction so the
// ledger invariant (sum of live record sizes == committed bytes) holds
// at every commit point. When a record for the event already exists
// (a retried upload that produced a different content address), the old
// record is replaced and its size refunded, so duplicate deliveries
// never double-count.
func (db *DB) CommitArchive(ctx context.Context, record *models.ArchiveRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db: begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err = scanLedger(tx.QueryRow(ctx, selectLedgerForUpdateSQL, record.TenantID)); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrLedgerNotFound, record.TenantID)
		}

		return err
	}

	var (
		oldSize  int64
		replaced bool
	)

	err = tx.QueryRow(ctx, `
SELECT size_bytes FROM archive_records WHERE event_id = $1`, record.EventID).Scan(&oldSize)
	switch {
	case err == nil:
		replaced = true
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return fmt.Errorf("db: lookup prior record: %w", err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO archive_records (event_id, tenant_id, locator, size_bytes, metadata_hash, uploaded_at, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (event_id) DO UPDATE SET
	locator = EXCLUDED.locator,
	size_bytes = EXCLUDED.size_bytes,
	metadata_hash = EXCLUDED.metadata_hash,
	uploaded_at = EXCLUDED.uploaded_at,
	expires_at = EXCLUDED.expires_at`,
		record.EventID, record.TenantID, record.Locator, record.SizeBytes,
		record.MetadataHash, record.UploadedAt, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("db: insert archive record: %w", err)
	}

	committedDelta := record.SizeBytes
	countDelta := int64(1)

	if replaced {
		committedDelta -= oldSize
		countDelta = 0
	}

	_, err = tx.Exec(ctx, `
UPDATE quota_ledger
SET committed_bytes = committed_bytes + $2,
    committed_count = committed_count + $3,
    reserved_bytes = GREATEST(reserved_bytes - $4, 0),
    reserved_count = GREATEST(reserved_count - 1, 0),
    updated_at = now()
WHERE tenant_id = $1`,
		record.TenantID, committedDelta, countDelta, record.SizeBytes)
	if err != nil {
		return fmt.Errorf("db: commit ledger: %w", err)
	}

	return tx.Commit(ctx)
}

// GetArchiveRecord loads the archive record for an event.
func (db *DB) GetArchiveRecord(ctx context.Context, eventID string) (*models.ArchiveRecord, error) {
	row := db.pool.QueryRow(ctx, selectArchiveRecordSQL, eventID)

	record, err := scanArchiveRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, eventID)
	}

	return record, err
}

// ExpiredArchiveRecords lists records past their retention expiry,
// oldest first, for the retention sweep.
func (db *DB) ExpiredArchiveRecords(ctx context.Context, now time.Time, limit int) ([]*models.ArchiveRecord, error) {
	rows, err := db.pool.Query(ctx, `
SELECT event_id, tenant_id, locator, size_bytes, metadata_hash, uploaded_at, expires_at
FROM archive_records
WHERE expires_at <= $1
ORDER BY expires_at ASC
LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("db: expired records: %w", err)
	}
	defer rows.Close()

	var records []*models.ArchiveRecord

	for rows.Next() {
		record, err := scanArchiveRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

// DeleteArchiveRecord removes a record and refunds its ledger
// commitment in one transaction. Callers must have deleted the remote
// object first; the sweep retries the remote side before ever touching
// the ledger.
func (db *DB) DeleteArchiveRecord(ctx context.Context, eventID string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db: begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	record, err := scanArchiveRecord(tx.QueryRow(ctx, selectArchiveRecordSQL+" FOR UPDATE", eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrArchiveNotFound, eventID)
	}

	if err != nil {
		return err
	}

	if _, err = tx.Exec(ctx, `DELETE FROM archive_records WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("db: delete archive record: %w", err)
	}

	_, err = tx.Exec(ctx, `
UPDATE quota_ledger
SET committed_bytes = GREATEST(committed_bytes - $2, 0),
    committed_count = GREATEST(committed_count - 1, 0),
    updated_at = now()
WHERE tenant_id = $1`, record.TenantID, record.SizeBytes)
	if err != nil {
		return fmt.Errorf("db: refund ledger: %w", err)
	}

	return tx.Commit(ctx)
}

func scanLedger(row pgx.Row) (*models.QuotaLedger, error) {
	var ledger models.QuotaLedger

	err := row.Scan(
		&ledger.TenantID, &ledger.CommittedBytes, &ledger.CommittedCount,
		&ledger.ReservedBytes, &ledger.ReservedCount, &ledger.LimitBytes,
		&ledger.LimitCount, &ledger.RetentionDays, &ledger.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return &ledger, nil
}

func scanArchiveRecord(row pgx.Row) (*models.ArchiveRecord, error) {
	var record models.ArchiveRecord

	err := row.Scan(
		&record.EventID, &record.TenantID, &record.Locator, &record.SizeBytes,
		&record.MetadataHash, &record.UploadedAt, &record.ExpiresAt)
	if err != nil {
		return nil, err
	}

	return &record, nil
}
