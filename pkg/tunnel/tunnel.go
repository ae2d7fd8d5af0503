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

// Package tunnel provides the framed, ordered, bidirectional byte-stream
// every other pipeline component consumes. A Session is one live
// device-to-node binding; the Conn wrapper adds request/reply correlation
// with timeouts so no in-flight exchange is ever left in an ambiguous
// state. The transport handshake (TLS, client auth at the listener) is
// deployment configuration, not part of this package.
package tunnel

import (
	"encoding/json"
	"errors"
)

// Channel is the logical sub-channel a frame belongs to. The gateway
// demultiplexes inbound traffic by channel.
type Channel string

const (
	ChannelEvent     Channel = "event"
	ChannelTelemetry Channel = "telemetry"
	ChannelArchive   Channel = "archive"
	ChannelControl   Channel = "control"
	ChannelStream    Channel = "stream"
)

var knownChannels = map[Channel]struct{}{
	ChannelEvent:     {},
	ChannelTelemetry: {},
	ChannelArchive:   {},
	ChannelControl:   {},
	ChannelStream:    {},
}

// KnownChannel reports whether ch is a channel this protocol defines.
func KnownChannel(ch Channel) bool {
	_, ok := knownChannels[ch]
	return ok
}

var (
	ErrSessionClosed  = errors.New("tunnel: session closed")
	ErrMalformedFrame = errors.New("tunnel: malformed frame")
)

// Frame is the unit of exchange on a session. Every frame carries the
// tenant and device identity plus a monotonic per-session sequence
// number for ordering and idempotency detection. A reply references the
// request it answers through AckID.
type Frame struct {
	ID       string          `json:"id"`
	AckID    string          `json:"ack_id,omitempty"`
	Channel  Channel         `json:"channel"`
	Type     string          `json:"type"`
	TenantID string          `json:"tenant_id,omitempty"`
	DeviceID string          `json:"device_id,omitempty"`
	Seq      uint64          `json:"seq"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Valid checks the structural invariants every received frame must hold.
func (f *Frame) Valid() error {
	if f.ID == "" {
		return ErrMalformedFrame
	}

	if !KnownChannel(f.Channel) {
		return ErrMalformedFrame
	}

	if f.Type == "" {
		return ErrMalformedFrame
	}

	return nil
}

// Session is one reliable, ordered, authenticated byte-stream between a
// device and its private node. Implementations must make Send safe for
// concurrent use and close Done() exactly once when the session dies.
type Session interface {
	Send(f *Frame) error
	Recv() (*Frame, error)
	Close() error
	Done() <-chan struct{}
}
