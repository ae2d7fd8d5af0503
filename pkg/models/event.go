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

// EventDeliveryStatus tracks an event through the edge delivery queue.
type EventDeliveryStatus string

const (
	EventDeliveryPending      EventDeliveryStatus = "pending"
	EventDeliveryQueued       EventDeliveryStatus = "queued"
	EventDeliveryInFlight     EventDeliveryStatus = "in_flight"
	EventDeliveryAcked        EventDeliveryStatus = "acked"
	EventDeliveryFailedPerman EventDeliveryStatus = "failed_permanent"
)

// EventSeverity grades a detection occurrence.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityCritical EventSeverity = "critical"
)

// Event is one detection occurrence produced by the edge detection
// collaborator. Events are immutable once acknowledged, except for the
// archive-status annotation added by the private node.
type Event struct {
	EventID       string        `json:"event_id"`
	TenantID      string        `json:"tenant_id"`
	DeviceID      string        `json:"device_id"`
	CameraID      string        `json:"camera_id"`
	Category      string        `json:"category"`
	Severity      EventSeverity `json:"severity"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	ClipRef       string        `json:"clip_ref,omitempty"`
	SnapshotRefs  []string      `json:"snapshot_refs,omitempty"`
	ArchiveStatus ArchiveStatus `json:"archive_status,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// EventFilter narrows an event cache query. Zero values mean "any".
type EventFilter struct {
	TenantID string
	DeviceID string
	CameraID string
	Category string
	Since    time.Time
	Until    time.Time
	Cursor   string
	Limit    int
}

// EventPage is one page of a cache query, restartable via Cursor.
type EventPage struct {
	Events     []*Event `json:"events"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// EventSummary is the metadata-only record forwarded to the control
// plane. It never carries raw media or clip references.
type EventSummary struct {
	EventID       string        `json:"event_id"`
	TenantID      string        `json:"tenant_id"`
	DeviceID      string        `json:"device_id"`
	CameraID      string        `json:"camera_id"`
	Category      string        `json:"category"`
	Severity      EventSeverity `json:"severity"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	ArchiveStatus ArchiveStatus `json:"archive_status,omitempty"`
}

// Summary strips an event down to its control-plane representation.
func (e *Event) Summary() *EventSummary {
	return &EventSummary{
		EventID:       e.EventID,
		TenantID:      e.TenantID,
		DeviceID:      e.DeviceID,
		CameraID:      e.CameraID,
		Category:      e.Category,
		Severity:      e.Severity,
		StartedAt:     e.StartedAt,
		EndedAt:       e.EndedAt,
		ArchiveStatus: e.ArchiveStatus,
	}
}
