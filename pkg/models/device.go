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

package models

import "time"

// DeviceSessionState represents the tunnel session lifecycle of a device.
type DeviceSessionState string

const (
	DeviceStateDisconnected DeviceSessionState = "disconnected"
	DeviceStateConnecting   DeviceSessionState = "connecting"
	DeviceStateRegistered   DeviceSessionState = "registered"
	DeviceStateActive       DeviceSessionState = "active"
)

// Device is a registered edge device bound to this private node. Devices
// are created on first successful authenticated connection and are never
// deleted, only deactivated.
type Device struct {
	DeviceID       string             `json:"device_id"`
	TenantID       string             `json:"tenant_id"`
	SessionState   DeviceSessionState `json:"session_state"`
	CredentialHash string             `json:"-"`
	Promoted       bool               `json:"promoted"`
	PromotedAt     *time.Time         `json:"promoted_at,omitempty"`
	Deactivated    bool               `json:"deactivated"`
	LastSeen       time.Time          `json:"last_seen"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// DeviceTelemetry is the periodic health signal an edge device reports on
// the telemetry channel. Raw media never appears here.
type DeviceTelemetry struct {
	DeviceID        string    `json:"device_id"`
	TenantID        string    `json:"tenant_id"`
	QueueDepth      int       `json:"queue_depth"`
	DiskUsedPercent float64   `json:"disk_used_percent"`
	RecordingPaused bool      `json:"recording_paused"`
	LastSweep       time.Time `json:"last_sweep,omitempty"`
	ReportedAt      time.Time `json:"reported_at"`
}
