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

// StreamToken is the decoded form of a control-plane-issued capability
// authorizing playback of one event's clip. The relay validates the
// signature and expiry against a shared key and enforces the use budget;
// neither the node nor the edge inspects anything beyond these claims.
type StreamToken struct {
	TokenID   string    `json:"token_id"`
	EventID   string    `json:"event_id"`
	Principal string    `json:"principal"`
	UseBudget int       `json:"use_budget"`
	ExpiresAt time.Time `json:"expires_at"`
}
