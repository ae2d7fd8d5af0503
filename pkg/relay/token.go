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

package relay

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vzahanych/view-guard/pkg/models"
)

type streamClaims struct {
	EventID   string `json:"event_id"`
	Principal string `json:"principal"`
	UseBudget int    `json:"use_budget"`
	jwt.RegisteredClaims
}

// ParseToken validates a control-plane-issued stream token against the
// shared verification key. Signature, algorithm, and expiry are all
// enforced here; the use budget is enforced against persistent
// accounting by the relay.
func ParseToken(tokenString string, key []byte) (*models.StreamToken, error) {
	var claims streamClaims

	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: stream token: %v", models.ErrAuthorizationFailure, err)
	}

	if claims.ID == "" || claims.EventID == "" || claims.UseBudget < 1 {
		return nil, fmt.Errorf("%w: stream token missing required claims", models.ErrAuthorizationFailure)
	}

	return &models.StreamToken{
		TokenID:   claims.ID,
		EventID:   claims.EventID,
		Principal: claims.Principal,
		UseBudget: claims.UseBudget,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// IssueToken signs a stream token. In production the control plane is
// the issuer; this exists for provisioning tools and tests.
func IssueToken(token *models.StreamToken, key []byte) (string, error) {
	claims := streamClaims{
		EventID:   token.EventID,
		Principal: token.Principal,
		UseBudget: token.UseBudget,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.TokenID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("relay: sign stream token: %w", err)
	}

	return signed, nil
}
