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

package eventcache

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/vzahanych/view-guard/pkg/models"
)

// QueryHandler serves paginated event queries for operator tooling.
// Filters arrive as query parameters; the next_cursor in the response
// resumes the scan.
func (s *Service) QueryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		filter := models.EventFilter{
			TenantID: q.Get("tenant_id"),
			DeviceID: q.Get("device_id"),
			CameraID: q.Get("camera_id"),
			Category: q.Get("category"),
			Cursor:   q.Get("cursor"),
		}

		if v := q.Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}

			filter.Limit = limit
		}

		for param, dst := range map[string]*time.Time{
			"since": &filter.Since,
			"until": &filter.Until,
		} {
			if v := q.Get(param); v != "" {
				ts, err := time.Parse(time.RFC3339, v)
				if err != nil {
					http.Error(w, "invalid "+param, http.StatusBadRequest)
					return
				}

				*dst = ts
			}
		}

		page, err := s.Query(r.Context(), filter)
		if err != nil {
			if models.IsProtocolViolation(err) {
				http.Error(w, "invalid cursor", http.StatusBadRequest)
				return
			}

			s.logger.Error().Err(err).Msg("Event query failed")
			http.Error(w, "query failed", http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	}
}
