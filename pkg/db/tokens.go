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
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vzahanych/view-guard/pkg/models"
)

// ConsumeTokenUse burns one use of a stream token, atomically, against
// its budget. The increment and the budget check happen in a single
// statement so two concurrent presentations of the same token can never
// both succeed past the budget. Returns the uses remaining after this
// consumption, or an AuthorizationFailure error when the budget is
// already exhausted.
func (db *DB) ConsumeTokenUse(ctx context.Context, tokenID string, useBudget int) (int, error) {
	var uses int

	err := db.pool.QueryRow(ctx, `
INSERT INTO stream_token_uses (token_id, uses)
VALUES ($1, 1)
ON CONFLICT (token_id) DO UPDATE
	SET uses = stream_token_uses.uses + 1, updated_at = now()
	WHERE stream_token_uses.uses < $2
RETURNING uses`, tokenID, useBudget).Scan(&uses)
	if err != nil {
		return 0, classifyConsumeErr(tokenID, err)
	}

	if uses > useBudget {
		return 0, fmt.Errorf("%w: stream token %s use budget exhausted",
			models.ErrAuthorizationFailure, tokenID)
	}

	return useBudget - uses, nil
}

// classifyConsumeErr separates a spent budget from transport failures.
// No row from the conditional update means the update was suppressed:
// the budget is exhausted. Anything else is a database problem and must
// not masquerade as an authorization decision.
func classifyConsumeErr(tokenID string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: stream token %s use budget exhausted",
			models.ErrAuthorizationFailure, tokenID)
	}

	return fmt.Errorf("%w: consume token use: %v", models.ErrTransient, err)
}

// PurgeTokenUses drops accounting rows older than the given interval.
// Tokens are short-lived, so rows become dead weight quickly.
func (db *DB) PurgeTokenUses(ctx context.Context, olderThan string) (int64, error) {
	tag, err := db.pool.Exec(ctx, `
DELETE FROM stream_token_uses WHERE updated_at < now() - $1::interval`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("db: purge token uses: %w", err)
	}

	return tag.RowsAffected(), nil
}
