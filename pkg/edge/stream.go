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

package edge

import (
	"context"
	"fmt"
	"io"

	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/tunnel"
)

// handleControl serves node-initiated control frames: stream starts and
// aborts. Anything else on the control channel is a protocol error.
func (a *Agent) handleControl(ctx context.Context, f *tunnel.Frame) (*tunnel.Frame, error) {
	switch f.Type {
	case tunnel.TypeStreamStart:
		return a.handleStreamStart(ctx, f)
	case tunnel.TypeStreamAbort:
		var abort tunnel.StreamAbort
		if err := tunnel.DecodePayload(f, &abort); err != nil {
			return nil, err
		}

		a.cancelStream(abort.StreamID)

		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unexpected control frame type %q", models.ErrProtocolViolation, f.Type)
	}
}

// handleStreamStart acknowledges the request, then streams the clip in
// chunks on the stream channel from a separate goroutine so the serve
// loop keeps handling frames (including the abort for this stream).
func (a *Agent) handleStreamStart(ctx context.Context, f *tunnel.Frame) (*tunnel.Frame, error) {
	var start tunnel.StreamStart
	if err := tunnel.DecodePayload(f, &start); err != nil {
		return nil, err
	}

	clip, err := a.clips.ClipByEvent(ctx, start.EventID)
	if err != nil {
		return &tunnel.Frame{
			Type:  tunnel.TypeControlAck,
			Error: fmt.Sprintf("clip for event %s not found", start.EventID),
		}, nil
	}

	streamCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	conn := a.conn
	a.streams[start.StreamID] = cancel
	a.mu.Unlock()

	go func() {
		defer a.cancelStream(start.StreamID)

		if err := a.streamClip(streamCtx, conn, start.StreamID, clip.ClipRef); err != nil {
			a.logger.Warn().Err(err).
				Str("stream_id", start.StreamID).
				Str("event_id", start.EventID).
				Msg("Clip stream ended early")
		}
	}()

	return &tunnel.Frame{Type: tunnel.TypeControlAck}, nil
}

func (a *Agent) streamClip(ctx context.Context, conn *tunnel.Conn, streamID, clipRef string) error {
	reader, _, err := a.clips.Get(ctx, clipRef)
	if err != nil {
		a.notifyAbort(conn, streamID, "clip unavailable")
		return err
	}
	defer reader.Close()

	buf := make([]byte, streamChunkSize)
	seq := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, readErr := reader.Read(buf)

		if n > 0 || readErr == io.EOF {
			chunk := tunnel.StreamChunk{
				StreamID: streamID,
				Seq:      seq,
				Data:     buf[:n],
				EOF:      readErr == io.EOF,
			}

			f, err := a.frame(tunnel.ChannelStream, tunnel.TypeStreamChunk, chunk)
			if err != nil {
				return err
			}

			if err := conn.Notify(f); err != nil {
				return err
			}

			seq++
		}

		if readErr == io.EOF {
			return nil
		}

		if readErr != nil {
			a.notifyAbort(conn, streamID, "clip read failed")
			return readErr
		}
	}
}

func (a *Agent) notifyAbort(conn *tunnel.Conn, streamID, reason string) {
	f, err := a.frame(tunnel.ChannelStream, tunnel.TypeStreamAbort, tunnel.StreamAbort{
		StreamID: streamID,
		Reason:   reason,
	})
	if err != nil {
		return
	}

	_ = conn.Notify(f)
}

func (a *Agent) cancelStream(streamID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cancel, ok := a.streams[streamID]; ok {
		cancel()
		delete(a.streams, streamID)
	}
}

func (a *Agent) abortStreams() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, cancel := range a.streams {
		cancel()
		delete(a.streams, id)
	}
}
