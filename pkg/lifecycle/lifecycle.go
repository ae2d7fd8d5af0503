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

// Package lifecycle runs long-lived services with signal-driven shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vzahanych/view-guard/pkg/logger"
)

const defaultShutdownTimeout = 10 * time.Second

// Service is a component with a blocking Start and a bounded Stop.
// Start returns when the service exits or ctx is cancelled; Stop must
// release all resources before its context expires.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Options configures a Run invocation.
type Options struct {
	ServiceName     string
	Services        []Service
	Logger          logger.Logger
	ShutdownTimeout time.Duration
}

// Run starts every service, then blocks until a service fails, the
// context is cancelled, or SIGINT/SIGTERM arrives. All services are
// stopped before Run returns.
func Run(ctx context.Context, opts *Options) error {
	log := opts.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(opts.Services))

	for _, svc := range opts.Services {
		svc := svc

		go func() {
			if err := svc.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Str("service", opts.ServiceName).Msg("Shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Str("service", opts.ServiceName).Msg("Service failed")
		runErr = err
	case <-ctx.Done():
		runErr = ctx.Err()
	}

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	for _, svc := range opts.Services {
		if err := svc.Stop(stopCtx); err != nil {
			log.Error().Err(err).Str("service", opts.ServiceName).Msg("Error stopping service")

			if runErr == nil {
				runErr = fmt.Errorf("stop failed: %w", err)
			}
		}
	}

	return runErr
}
