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

// Package relay brokers on-demand clip playback from an edge device to
// a requesting client. Access is gated by short-lived, use-count-bounded
// capability tokens issued by the control plane. Relayed bytes are
// transient: nothing is persisted at the node during forwarding.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vzahanych/view-guard/pkg/gateway"
	"github.com/vzahanych/view-guard/pkg/logger"
	"github.com/vzahanych/view-guard/pkg/metrics"
	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/tunnel"
)

const (
	defaultChunkTimeout = 30 * time.Second
	defaultStartTimeout = 10 * time.Second
	streamChannelBuffer = 32
)

// TokenUses is the persistent use-count accounting surface. *db.DB
// satisfies it.
type TokenUses interface {
	ConsumeTokenUse(ctx context.Context, tokenID string, useBudget int) (int, error)
}

// EventLookup resolves the event a token is scoped to. *db.DB satisfies
// it.
type EventLookup interface {
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
}

// Sessions resolves the live tunnel session for a device.
// *gateway.Registry satisfies it.
type Sessions interface {
	Session(deviceID string) (*gateway.DeviceSession, error)
}

// Config carries the shared token verification key and stream timeouts.
type Config struct {
	SigningKey   string          `json:"signing_key"`
	StartTimeout models.Duration `json:"start_timeout"`
	ChunkTimeout models.Duration `json:"chunk_timeout"`
}

func (c *Config) SetDefaults() {
	if c.StartTimeout == 0 {
		c.StartTimeout = models.Duration(defaultStartTimeout)
	}

	if c.ChunkTimeout == 0 {
		c.ChunkTimeout = models.Duration(defaultChunkTimeout)
	}
}

// Relay validates stream tokens and forwards clip bytes through the
// tunnel.
type Relay struct {
	uses     TokenUses
	events   EventLookup
	sessions Sessions
	config   Config
	logger   logger.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// stream is one in-flight relay. Teardown closes done and leaves chunks
// alone: a sender blocked on chunks unblocks via done instead of hitting
// a closed channel.
type stream struct {
	chunks chan *tunnel.StreamChunk
	done   chan struct{}
}

// New assembles the relay.
func New(uses TokenUses, events EventLookup, sessions Sessions, config Config, log logger.Logger) *Relay {
	config.SetDefaults()

	return &Relay{
		uses:     uses,
		events:   events,
		sessions: sessions,
		config:   config,
		logger:   log,
		streams:  make(map[string]*stream),
	}
}

// HandleFrame consumes stream-channel frames arriving from the edge and
// routes chunks to the waiting relay. Chunks for a stream nobody waits
// on are dropped with an abort notice back to the edge.
func (r *Relay) HandleFrame(_ context.Context, sess *gateway.DeviceSession, f *tunnel.Frame) (*tunnel.Frame, error) {
	switch f.Type {
	case tunnel.TypeStreamChunk:
		var chunk tunnel.StreamChunk
		if err := tunnel.DecodePayload(f, &chunk); err != nil {
			return nil, err
		}

		r.mu.Lock()
		st, ok := r.streams[chunk.StreamID]
		r.mu.Unlock()

		if !ok {
			r.abort(sess, chunk.StreamID, "no active receiver")
			return nil, nil
		}

		select {
		case st.chunks <- &chunk:
		case <-st.done:
		case <-sess.Conn.Session().Done():
		}

		return nil, nil
	case tunnel.TypeStreamAbort:
		var abort tunnel.StreamAbort
		if err := tunnel.DecodePayload(f, &abort); err != nil {
			return nil, err
		}

		r.closeStream(abort.StreamID)

		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unexpected stream frame type %q", models.ErrProtocolViolation, f.Type)
	}
}

// Stream validates the presented token end to end and, if every check
// passes, forwards the event's clip bytes from the edge to w. Any
// validation failure is an explicit rejection before a single byte is
// written; there are no partial streams on authorization errors.
func (r *Relay) Stream(ctx context.Context, tokenString string, w io.Writer) error {
	token, err := ParseToken(tokenString, []byte(r.config.SigningKey))
	if err != nil {
		metrics.StreamRelays.WithLabelValues("rejected").Inc()
		return err
	}

	event, err := r.events.GetEvent(ctx, token.EventID)
	if err != nil {
		metrics.StreamRelays.WithLabelValues("rejected").Inc()

		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: token scope: event %s not found",
				models.ErrAuthorizationFailure, token.EventID)
		}

		return err
	}

	if event.ClipRef == "" {
		metrics.StreamRelays.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: event %s has no clip", models.ErrNotFound, event.EventID)
	}

	// Fail fast before burning a token use when the device is gone.
	sess, err := r.sessions.Session(event.DeviceID)
	if err != nil {
		metrics.StreamRelays.WithLabelValues("device_unavailable").Inc()
		return err
	}

	remaining, err := r.uses.ConsumeTokenUse(ctx, token.TokenID, token.UseBudget)
	if err != nil {
		metrics.StreamRelays.WithLabelValues("rejected").Inc()
		return err
	}

	r.logger.Info().
		Str("event_id", event.EventID).
		Str("device_id", event.DeviceID).
		Str("principal", token.Principal).
		Int("uses_remaining", remaining).
		Msg("Stream relay authorized")

	if err := r.forward(ctx, sess, event, w); err != nil {
		metrics.StreamRelays.WithLabelValues("failed").Inc()
		return err
	}

	metrics.StreamRelays.WithLabelValues("completed").Inc()

	return nil
}

func (r *Relay) forward(ctx context.Context, sess *gateway.DeviceSession, event *models.Event, w io.Writer) error {
	streamID := uuid.NewString()
	st := &stream{
		chunks: make(chan *tunnel.StreamChunk, streamChannelBuffer),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.streams[streamID] = st
	r.mu.Unlock()

	defer r.closeStream(streamID)

	startPayload, err := tunnel.EncodePayload(tunnel.StreamStart{
		StreamID: streamID,
		EventID:  event.EventID,
	})
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, time.Duration(r.config.StartTimeout))
	defer cancel()

	_, err = sess.Conn.Request(startCtx, &tunnel.Frame{
		Channel: tunnel.ChannelControl,
		Type:    tunnel.TypeStreamStart,
		Payload: startPayload,
	})
	if err != nil {
		return fmt.Errorf("%w: stream start: %v", models.ErrDeviceUnavailable, err)
	}

	next := 0
	timeout := time.Duration(r.config.ChunkTimeout)
	timer := time.NewTimer(timeout)

	defer timer.Stop()

	for {
		select {
		case chunk := <-st.chunks:
			if chunk.Seq != next {
				r.abort(sess, streamID, "chunk sequence gap")
				return fmt.Errorf("%w: stream chunk %d arrived, expected %d",
					models.ErrProtocolViolation, chunk.Seq, next)
			}

			next++

			if len(chunk.Data) > 0 {
				if _, err := w.Write(chunk.Data); err != nil {
					r.abort(sess, streamID, "receiver write failed")
					return fmt.Errorf("relay: write to receiver: %w", err)
				}
			}

			if chunk.EOF {
				return nil
			}

			if !timer.Stop() {
				<-timer.C
			}

			timer.Reset(timeout)
		case <-st.done:
			return fmt.Errorf("%w: stream aborted by edge", models.ErrTransient)
		case <-timer.C:
			r.abort(sess, streamID, "chunk timeout")
			return fmt.Errorf("%w: stream stalled", models.ErrTransient)
		case <-ctx.Done():
			r.abort(sess, streamID, "receiver cancelled")
			return ctx.Err()
		case <-sess.Conn.Session().Done():
			return fmt.Errorf("%w: session dropped mid-stream", models.ErrDeviceUnavailable)
		}
	}
}

func (r *Relay) abort(sess *gateway.DeviceSession, streamID, reason string) {
	payload, err := tunnel.EncodePayload(tunnel.StreamAbort{StreamID: streamID, Reason: reason})
	if err != nil {
		return
	}

	_ = sess.Conn.Notify(&tunnel.Frame{
		Channel: tunnel.ChannelControl,
		Type:    tunnel.TypeStreamAbort,
		Payload: payload,
	})
}

func (r *Relay) closeStream(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.streams[streamID]; ok {
		delete(r.streams, streamID)
		close(st.done)
	}
}

// ServeHTTP exposes the relay to requesting clients. The token rides in
// the Authorization header or a token query parameter.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	tokenString := req.URL.Query().Get("token")
	if tokenString == "" {
		if auth := req.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			tokenString = auth[7:]
		}
	}

	if tokenString == "" {
		http.Error(w, "missing stream token", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")

	if err := r.Stream(req.Context(), tokenString, w); err != nil {
		r.logger.Warn().Err(err).Msg("Stream relay failed")

		switch {
		case models.IsAuthorizationFailure(err):
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		case errors.Is(err, models.ErrDeviceUnavailable):
			http.Error(w, "device unavailable", http.StatusServiceUnavailable)
		case errors.Is(err, models.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		default:
			// Headers may already be gone; best effort.
			http.Error(w, "stream failed", http.StatusBadGateway)
		}
	}
}
