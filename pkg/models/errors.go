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

import "errors"

// Pipeline error taxonomy. Every failure surfaced across a component
// boundary wraps exactly one of these categories so callers can decide
// between retrying, reporting, or terminating a session.
var (
	// ErrTransient marks failures worth retrying with backoff: network
	// blips, remote storage timeouts, a dropped tunnel session.
	ErrTransient = errors.New("transient failure")

	// ErrQuotaExceeded marks archival submissions rejected by the tenant
	// quota ledger. Never retried automatically.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrProtocolViolation marks malformed frames or unknown devices.
	// The owning session is terminated, never ignored.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrResourceExhausted marks local disk pressure. Triggers eviction
	// or a recording pause, never data loss.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrAuthorizationFailure marks invalid, expired, or exhausted
	// credentials and capability tokens. Rejected before any partial
	// execution.
	ErrAuthorizationFailure = errors.New("authorization failure")
)

var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrNotFound          = errors.New("not found")
)

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}

func IsAuthorizationFailure(err error) bool {
	return errors.Is(err, ErrAuthorizationFailure)
}
