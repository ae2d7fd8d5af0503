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

package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/vzahanych/view-guard/pkg/logger"
	"github.com/vzahanych/view-guard/pkg/metrics"
	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/tunnel"
)

// FrameHandler consumes frames for one logical channel. Returning a
// non-nil reply sends it back on the session; returning an error is a
// protocol violation that closes the session.
type FrameHandler interface {
	HandleFrame(ctx context.Context, sess *DeviceSession, f *tunnel.Frame) (*tunnel.Frame, error)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(ctx context.Context, sess *DeviceSession, f *tunnel.Frame) (*tunnel.Frame, error)

func (fn FrameHandlerFunc) HandleFrame(ctx context.Context, sess *DeviceSession, f *tunnel.Frame) (*tunnel.Frame, error) {
	return fn(ctx, sess, f)
}

// DeviceSession is one live, authenticated tunnel binding.
type DeviceSession struct {
	DeviceID string
	TenantID string
	Conn     *tunnel.Conn

	mu      sync.Mutex
	lastSeq uint64
}

// checkSeq enforces strictly increasing sequence numbers within a
// session. A regression means frames arrived out of order on what must
// be an ordered stream.
func (s *DeviceSession) checkSeq(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq <= s.lastSeq {
		return fmt.Errorf("%w: sequence regression %d after %d",
			models.ErrProtocolViolation, seq, s.lastSeq)
	}

	s.lastSeq = seq

	return nil
}

// Registry tracks the single active session per device and dispatches
// frames to channel handlers.
type Registry struct {
	logger logger.Logger

	mu       sync.RWMutex
	sessions map[string]*DeviceSession
	handlers map[tunnel.Channel]FrameHandler
}

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		logger:   log,
		sessions: make(map[string]*DeviceSession),
		handlers: make(map[tunnel.Channel]FrameHandler),
	}
}

func (r *Registry) register(ch tunnel.Channel, h FrameHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[ch] = h
}

// Session returns the live session for a device, or a DeviceUnavailable
// error so callers like the stream relay can fail fast.
func (r *Registry) Session(deviceID string) (*DeviceSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrDeviceUnavailable, deviceID)
	}

	return sess, nil
}

// bind installs a new session for the device and serves it until it
// dies. A second connection for the same device supersedes the first:
// the old session is closed before the new one is visible, so at most
// one is ever active.
func (r *Registry) bind(ctx context.Context, device *models.Device, sess tunnel.Session, store DeviceStore) {
	conn := tunnel.NewConn(sess, r.logger)

	deviceSess := &DeviceSession{
		DeviceID: device.DeviceID,
		TenantID: device.TenantID,
		Conn:     conn,
	}

	r.mu.Lock()
	if old, ok := r.sessions[device.DeviceID]; ok {
		r.logger.Warn().Str("device_id", device.DeviceID).Msg("Superseding existing device session")
		_ = old.Conn.Close()
		// The old session's unbind will find the map repointed and skip
		// its decrement, so account for it here.
		metrics.ActiveSessions.Dec()
	}

	r.sessions[device.DeviceID] = deviceSess
	r.mu.Unlock()

	metrics.ActiveSessions.Inc()

	if err := store.UpdateSessionState(ctx, device.DeviceID, models.DeviceStateActive); err != nil {
		r.logger.Error().Err(err).Str("device_id", device.DeviceID).Msg("Session state update failed")
	}

	r.logger.Info().
		Str("device_id", device.DeviceID).
		Str("tenant_id", device.TenantID).
		Msg("Device session established")

	err := conn.Serve(ctx, func(ctx context.Context, f *tunnel.Frame) (*tunnel.Frame, error) {
		return r.dispatch(ctx, deviceSess, store, f)
	})
	if err != nil {
		r.logger.Info().Err(err).Str("device_id", device.DeviceID).Msg("Device session ended")
	}

	r.unbind(deviceSess)

	if err := store.UpdateSessionState(context.WithoutCancel(ctx), device.DeviceID, models.DeviceStateDisconnected); err != nil {
		r.logger.Error().Err(err).Str("device_id", device.DeviceID).Msg("Session state update failed")
	}
}

// dispatch routes one inbound frame. Identity mismatch, sequence
// regression, and channels without a handler are all protocol
// violations: the session is terminated, never silently ignored.
func (r *Registry) dispatch(ctx context.Context, sess *DeviceSession, store DeviceStore, f *tunnel.Frame) (*tunnel.Frame, error) {
	if f.DeviceID != sess.DeviceID || f.TenantID != sess.TenantID {
		return nil, fmt.Errorf("%w: frame identity %s/%s does not match session %s/%s",
			models.ErrProtocolViolation, f.TenantID, f.DeviceID, sess.TenantID, sess.DeviceID)
	}

	if err := sess.checkSeq(f.Seq); err != nil {
		return nil, err
	}

	r.mu.RLock()
	handler, ok := r.handlers[f.Channel]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: no handler for channel %q", models.ErrProtocolViolation, f.Channel)
	}

	if err := store.TouchDevice(ctx, sess.DeviceID); err != nil {
		r.logger.Error().Err(err).Str("device_id", sess.DeviceID).Msg("Last-seen update failed")
	}

	return handler.HandleFrame(ctx, sess, f)
}

func (r *Registry) unbind(sess *DeviceSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[sess.DeviceID]; ok && current == sess {
		delete(r.sessions, sess.DeviceID)
		metrics.ActiveSessions.Dec()
	}
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sess := range r.sessions {
		_ = sess.Conn.Close()
		delete(r.sessions, id)
		metrics.ActiveSessions.Dec()
	}
}
