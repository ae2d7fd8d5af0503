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

package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard/pkg/models"
)

func TestCursorRoundTrip(t *testing.T) {
	startedAt := time.Date(2026, 8, 26, 10, 30, 0, 123456000, time.UTC)

	cursor := encodeCursor(startedAt, "ev-42")

	at, id, err := decodeCursor(cursor)
	require.NoError(t, err)
	assert.True(t, at.Equal(startedAt))
	assert.Equal(t, "ev-42", id)
}

func TestDecodeCursorMalformed(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		// "ev-42" and "abc|ev-42", base64url without padding
		{"not base64", "!!!"},
		{"no separator", "ZXYtNDI"},
		{"non-numeric time", "YWJjfGV2LTQy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := decodeCursor(tt.cursor)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrProtocolViolation)
		})
	}
}
