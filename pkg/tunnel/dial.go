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
	"net/http"
	"time"

	"github.com/vzahanych/view-guard/pkg/logger"
)

const (
	defaultDialTimeout  = 15 * time.Second
	defaultRedialBase   = time.Second
	defaultRedialCap    = 2 * time.Minute
	redialBackoffFactor = 2
)

// DialFunc establishes one session attempt. Swappable in tests.
type DialFunc func(ctx context.Context) (Session, error)

// Redialer keeps exactly one session alive against an endpoint,
// re-establishing it with exponential backoff after every drop. The
// OnSession callback owns the session until it returns; Redialer then
// dials again.
type Redialer struct {
	Dial        DialFunc
	OnSession   func(ctx context.Context, sess Session) error
	Logger      logger.Logger
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// WebsocketDialFunc builds a DialFunc for the node's tunnel endpoint.
func WebsocketDialFunc(url string, header http.Header) DialFunc {
	return func(ctx context.Context) (Session, error) {
		dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()

		return Dial(dialCtx, url, header)
	}
}

// Run blocks until ctx is cancelled, dialing and handing sessions to
// OnSession. A session that lived long enough to be handed off resets
// the backoff.
func (r *Redialer) Run(ctx context.Context) error {
	base := r.BaseBackoff
	if base == 0 {
		base = defaultRedialBase
	}

	maxBackoff := r.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = defaultRedialCap
	}

	backoff := base

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sess, err := r.Dial(ctx)
		if err != nil {
			r.Logger.Warn().Err(err).Dur("backoff", backoff).Msg("Tunnel dial failed")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff *= redialBackoffFactor
			if backoff > maxBackoff {
				backoff = maxBackoff
			}

			continue
		}

		backoff = base

		r.Logger.Info().Msg("Tunnel session established")

		if err := r.OnSession(ctx, sess); err != nil {
			r.Logger.Warn().Err(err).Msg("Tunnel session ended")
		}

		_ = sess.Close()
	}
}
