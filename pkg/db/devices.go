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
	ErrDeviceNotFound  = fmt.Errorf("%w: device", models.ErrNotFound)
	ErrAlreadyPromoted = errors.New("db: device already promoted")
	ErrNotPromoted     = errors.New("db: device not promoted")
)

const selectDeviceSQL = `
SELECT device_id, tenant_id, session_state, credential_hash, promoted,
       promoted_at, deactivated, COALESCE(last_seen, 'epoch'::timestamptz),
       created_at, updated_at
FROM devices
WHERE device_id = $1`

const insertDeviceSQL = `
INSERT INTO devices (device_id, tenant_id, session_state, created_at, updated_at)
VALUES ($1, $2, $3, now(), now())
ON CONFLICT (device_id) DO NOTHING`

// GetDevice loads one device by id.
func (db *DB) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	row := db.pool.QueryRow(ctx, selectDeviceSQL, deviceID)

	device, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	return device, err
}

// CreateDevice registers a device at first successful authenticated
// contact. Devices are never deleted afterward, only deactivated.
func (db *DB) CreateDevice(ctx context.Context, deviceID, tenantID string) error {
	_, err := db.pool.Exec(ctx, insertDeviceSQL,
		deviceID, tenantID, string(models.DeviceStateConnecting))
	if err != nil {
		return fmt.Errorf("db: create device: %w", err)
	}

	return nil
}

// PromoteDevice stores the long-lived credential hash for a device.
// Promotion is strictly one-time: a second attempt fails until an
// operator calls ResetPromotion.
func (db *DB) PromoteDevice(ctx context.Context, deviceID, credentialHash string) error {
	tag, err := db.pool.Exec(ctx, `
UPDATE devices
SET credential_hash = $2, promoted = TRUE, promoted_at = now(), updated_at = now()
WHERE device_id = $1 AND promoted = FALSE AND deactivated = FALSE`,
		deviceID, credentialHash)
	if err != nil {
		return fmt.Errorf("db: promote device: %w", err)
	}

	if tag.RowsAffected() == 0 {
		device, getErr := db.GetDevice(ctx, deviceID)
		if getErr != nil {
			return getErr
		}

		if device.Promoted {
			return fmt.Errorf("%w: %s", ErrAlreadyPromoted, deviceID)
		}

		return fmt.Errorf("%w: device deactivated: %s", models.ErrAuthorizationFailure, deviceID)
	}

	db.logger.Info().Str("device_id", deviceID).Msg("Device promoted to long-lived credential")

	return nil
}

// ResetPromotion revokes a device's long-lived credential so it can be
// re-promoted through the bootstrap flow. Requires explicit operator
// action; never happens implicitly.
func (db *DB) ResetPromotion(ctx context.Context, deviceID string) error {
	tag, err := db.pool.Exec(ctx, `
UPDATE devices
SET credential_hash = '', promoted = FALSE, promoted_at = NULL, updated_at = now()
WHERE device_id = $1 AND promoted = TRUE`, deviceID)
	if err != nil {
		return fmt.Errorf("db: reset promotion: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotPromoted, deviceID)
	}

	db.logger.Warn().Str("device_id", deviceID).Msg("Device promotion reset")

	return nil
}

// UpdateSessionState records a tunnel session transition and refreshes
// last-seen.
func (db *DB) UpdateSessionState(ctx context.Context, deviceID string, state models.DeviceSessionState) error {
	tag, err := db.pool.Exec(ctx, `
UPDATE devices
SET session_state = $2, last_seen = now(), updated_at = now()
WHERE device_id = $1`, deviceID, string(state))
	if err != nil {
		return fmt.Errorf("db: update session state: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	return nil
}

// TouchDevice refreshes last-seen without a state change; called on
// heartbeats and telemetry.
func (db *DB) TouchDevice(ctx context.Context, deviceID string) error {
	_, err := db.pool.Exec(ctx, `
UPDATE devices SET last_seen = now(), updated_at = now() WHERE device_id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("db: touch device: %w", err)
	}

	return nil
}

// DeactivateDevice permanently disables a device. The row is kept for
// audit; connections from a deactivated device are rejected.
func (db *DB) DeactivateDevice(ctx context.Context, deviceID string) error {
	tag, err := db.pool.Exec(ctx, `
UPDATE devices
SET deactivated = TRUE, session_state = $2, updated_at = now()
WHERE device_id = $1`, deviceID, string(models.DeviceStateDisconnected))
	if err != nil {
		return fmt.Errorf("db: deactivate device: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	db.logger.Warn().Str("device_id", deviceID).Msg("Device deactivated")

	return nil
}

func scanDevice(row pgx.Row) (*models.Device, error) {
	var (
		device     models.Device
		state      string
		promotedAt *time.Time
	)

	err := row.Scan(
		&device.DeviceID, &device.TenantID, &state, &device.CredentialHash,
		&device.Promoted, &promotedAt, &device.Deactivated, &device.LastSeen,
		&device.CreatedAt, &device.UpdatedAt)
	if err != nil {
		return nil, err
	}

	device.SessionState = models.DeviceSessionState(state)
	device.PromotedAt = promotedAt

	return &device, nil
}
