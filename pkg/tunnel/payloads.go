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

package tunnel

import (
	"encoding/json"
	"fmt"

	"github.com/vzahanych/view-guard/pkg/models"
)

// Frame types per channel. Both sides of the tunnel speak these.
const (
	TypeEventBatch      = "event.batch"
	TypeEventAck        = "event.ack"
	TypeTelemetryReport = "telemetry.report"
	TypeArchiveSubmit   = "archive.submit"
	TypeArchiveResult   = "archive.result"
	TypeStreamStart     = "stream.start"
	TypeStreamChunk     = "stream.chunk"
	TypeStreamAbort     = "stream.abort"
	TypeControlAck      = "control.ack"
)

// EventBatch is the event-channel request payload.
type EventBatch struct {
	Events []*models.Event `json:"events"`
}

// EventAck acknowledges the events the node has durably cached.
type EventAck struct {
	Acked []string `json:"acked"`
}

// ArchiveResult is the node's terminal answer to an archive submission.
type ArchiveResult struct {
	EventID string                `json:"event_id"`
	Outcome models.ArchiveOutcome `json:"outcome"`
	Reason  string                `json:"reason,omitempty"`
}

// StreamStart asks the edge to begin streaming one event's clip.
type StreamStart struct {
	StreamID string `json:"stream_id"`
	EventID  string `json:"event_id"`
}

// StreamChunk carries one slice of clip bytes back through the tunnel.
// Final chunk sets EOF.
type StreamChunk struct {
	StreamID string `json:"stream_id"`
	Seq      int    `json:"seq"`
	Data     []byte `json:"data,omitempty"`
	EOF      bool   `json:"eof"`
}

// StreamAbort cancels an in-progress stream in either direction.
type StreamAbort struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason,omitempty"`
}

// DecodePayload unmarshals a frame payload into v, flagging failures as
// malformed-frame protocol errors.
func DecodePayload(f *Frame, v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Type, err)
	}

	return nil
}

// EncodePayload marshals a frame payload.
func EncodePayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("tunnel: encode payload: %w", err)
	}

	return raw, nil
}
