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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vzahanych/view-guard/pkg/logger"
)

// Handler processes a frame the peer initiated. Returning a non-nil
// frame sends it back as the reply. A returned error terminates the
// session; handlers report recoverable failures inside the reply frame
// instead.
type Handler func(ctx context.Context, f *Frame) (*Frame, error)

var errRemote = errors.New("tunnel: remote error")

// Conn multiplexes request/reply exchanges and peer-initiated frames
// over one Session. Replies are matched to waiters by AckID; everything
// else is dispatched to the Serve handler.
type Conn struct {
	sess    Session
	logger  logger.Logger
	seq     atomic.Uint64
	mu      sync.Mutex
	pending map[string]chan *Frame
	closed  bool
}

// NewConn wraps a session. The caller must run Serve for requests and
// inbound dispatch to make progress.
func NewConn(sess Session, log logger.Logger) *Conn {
	return &Conn{
		sess:    sess,
		logger:  log,
		pending: make(map[string]chan *Frame),
	}
}

// Session exposes the underlying session, primarily for Done().
func (c *Conn) Session() Session {
	return c.sess
}

// Serve reads frames until the session dies or ctx is cancelled.
// Malformed frames are a protocol error: Serve closes the session and
// returns ErrMalformedFrame wrapped with detail.
func (c *Conn) Serve(ctx context.Context, handler Handler) error {
	defer c.failPending()

	for {
		f, err := c.sess.Recv()
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := f.Valid(); err != nil {
			c.logger.Error().
				Str("frame_id", f.ID).
				Str("channel", string(f.Channel)).
				Msg("Malformed frame, closing session")
			_ = c.sess.Close()

			return fmt.Errorf("%w: channel %q type %q", ErrMalformedFrame, f.Channel, f.Type)
		}

		if f.AckID != "" {
			c.deliverReply(f)
			continue
		}

		reply, err := handler(ctx, f)
		if err != nil {
			_ = c.sess.Close()
			return err
		}

		if reply != nil {
			reply.ID = uuid.NewString()
			reply.AckID = f.ID

			if reply.Channel == "" {
				reply.Channel = f.Channel
			}

			if err := c.send(reply); err != nil {
				return err
			}
		}
	}
}

// Request sends a frame and blocks until the reply arrives, ctx expires,
// or the session dies. The frame's ID and Seq are assigned here.
func (c *Conn) Request(ctx context.Context, f *Frame) (*Frame, error) {
	ch := make(chan *Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}

	f.ID = uuid.NewString()
	c.pending[f.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.send(f); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrSessionClosed
		}

		if reply.Error != "" {
			return reply, fmt.Errorf("%w: %s", errRemote, reply.Error)
		}

		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.sess.Done():
		return nil, ErrSessionClosed
	}
}

// Notify sends a frame without waiting for a reply.
func (c *Conn) Notify(f *Frame) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	return c.send(f)
}

// Close tears down the underlying session and fails all waiters.
func (c *Conn) Close() error {
	err := c.sess.Close()
	c.failPending()

	return err
}

func (c *Conn) send(f *Frame) error {
	f.Seq = c.seq.Add(1)
	return c.sess.Send(f)
}

// deliverReply hands a reply to its waiter. The send happens under the
// mutex so failPending cannot close the channel between lookup and send.
func (c *Conn) deliverReply(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.pending[f.AckID]
	if !ok {
		// Reply for a request that already timed out or was cancelled.
		c.logger.Debug().Str("ack_id", f.AckID).Msg("Dropping reply with no waiter")
		return
	}

	select {
	case ch <- f:
	default:
	}
}

func (c *Conn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true

	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
