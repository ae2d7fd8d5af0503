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

// ArchiveStatus tracks a clip through the archival pipeline.
type ArchiveStatus string

const (
	ArchiveNotEligible   ArchiveStatus = "not_eligible"
	ArchivePending       ArchiveStatus = "pending"
	ArchiveEncrypting    ArchiveStatus = "encrypting"
	ArchiveUploading     ArchiveStatus = "uploading"
	ArchiveArchived      ArchiveStatus = "archived"
	ArchiveFailed        ArchiveStatus = "failed"
	ArchiveQuotaRejected ArchiveStatus = "quota_rejected"
)

// Clip is a raw video segment owned exclusively by the edge device. The
// private node only ever holds a reference plus an encrypted copy.
type Clip struct {
	ClipRef        string        `json:"clip_ref"`
	Path           string        `json:"path"`
	Kind           string        `json:"kind"` // "clip" or "snapshot"
	SizeBytes      int64         `json:"size_bytes"`
	CreatedAt      time.Time     `json:"created_at"`
	RetainUntil    time.Time     `json:"retain_until"`
	ArchiveStatus  ArchiveStatus `json:"archive_status"`
	SourceCameraID string        `json:"source_camera_id,omitempty"`
}

// ArchiveRecord is a durable reference to an encrypted clip copy held in
// remote content-addressed storage. Created on successful upload; deleted
// together with the remote object when retention expires.
type ArchiveRecord struct {
	TenantID     string    `json:"tenant_id"`
	EventID      string    `json:"event_id"`
	Locator      string    `json:"locator"`
	SizeBytes    int64     `json:"size_bytes"`
	MetadataHash string    `json:"metadata_hash"`
	UploadedAt   time.Time `json:"uploaded_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// QuotaLedger is the per-tenant accounting aggregate. CommittedBytes and
// CommittedCount reflect live archive records; ReservedBytes and
// ReservedCount cover uploads still in flight. The sum of both sides
// never exceeds the tier limits.
type QuotaLedger struct {
	TenantID       string    `json:"tenant_id"`
	CommittedBytes int64     `json:"committed_bytes"`
	CommittedCount int64     `json:"committed_count"`
	ReservedBytes  int64     `json:"reserved_bytes"`
	ReservedCount  int64     `json:"reserved_count"`
	LimitBytes     int64     `json:"limit_bytes"`
	LimitCount     int64     `json:"limit_count"`
	RetentionDays  int       `json:"retention_days"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ArchiveSubmission is what the edge delivers on the archive channel: an
// encrypted self-describing blob plus the metadata the orchestrator needs
// for ledger accounting. The plaintext clip and the key never leave the
// edge.
type ArchiveSubmission struct {
	TenantID     string `json:"tenant_id"`
	DeviceID     string `json:"device_id"`
	EventID      string `json:"event_id"`
	MetadataHash string `json:"metadata_hash"`
	Blob         []byte `json:"blob"`
}

// ArchiveOutcome is the orchestrator's terminal answer to a submission.
type ArchiveOutcome string

const (
	ArchiveOutcomeAccepted      ArchiveOutcome = "accepted"
	ArchiveOutcomeQuotaRejected ArchiveOutcome = "quota_rejected"
	ArchiveOutcomeRetry         ArchiveOutcome = "retry"
)
