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
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard/pkg/models"
)

func TestClassifyConsumeErr(t *testing.T) {
	// The conditional upsert returning no row is the spent-budget case.
	err := classifyConsumeErr("tok-1", pgx.ErrNoRows)
	require.ErrorIs(t, err, models.ErrAuthorizationFailure)
	assert.Contains(t, err.Error(), "tok-1")

	// A database outage is transient, never an authorization verdict.
	err = classifyConsumeErr("tok-1", errors.New("connection refused"))
	require.ErrorIs(t, err, models.ErrTransient)
	assert.NotErrorIs(t, err, models.ErrAuthorizationFailure)
}
