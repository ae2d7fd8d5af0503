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

package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/vzahanych/view-guard/pkg/models"
)

const promoteTimeout = 15 * time.Second

type promoteRequest struct {
	DeviceID       string `json:"device_id"`
	BootstrapToken string `json:"bootstrap_token"`
}

type promoteResponse struct {
	DeviceID   string `json:"device_id"`
	TenantID   string `json:"tenant_id"`
	Credential string `json:"credential"`
}

// ensureCredential loads the long-lived credential from disk, or on
// first run exchanges the bootstrap token for one. The bootstrap token
// is single-shot: after a successful exchange only the stored
// credential is ever presented.
func (a *Agent) ensureCredential(ctx context.Context) (string, error) {
	if a.config.CredentialFile != "" {
		data, err := os.ReadFile(a.config.CredentialFile)
		if err == nil {
			credential := strings.TrimSpace(string(data))
			if credential != "" {
				return credential, nil
			}
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("edge: read credential file: %w", err)
		}
	}

	if a.config.BootstrapToken == "" {
		return "", fmt.Errorf("%w: no stored credential and no bootstrap token", models.ErrAuthorizationFailure)
	}

	credential, err := a.promote(ctx)
	if err != nil {
		return "", err
	}

	if a.config.CredentialFile != "" {
		if err := os.WriteFile(a.config.CredentialFile, []byte(credential), 0o600); err != nil {
			return "", fmt.Errorf("edge: persist credential: %w", err)
		}
	}

	a.logger.Info().Str("device_id", a.config.DeviceID).Msg("Bootstrap promotion complete")

	return credential, nil
}

func (a *Agent) promote(ctx context.Context) (string, error) {
	body, err := json.Marshal(promoteRequest{
		DeviceID:       a.config.DeviceID,
		BootstrapToken: a.config.BootstrapToken,
	})
	if err != nil {
		return "", fmt.Errorf("edge: marshal promote request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, promoteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		a.config.NodeURL+"/api/v1/devices/promote", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("edge: build promote request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: promote: %v", models.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusConflict:
		return "", fmt.Errorf("%w: promotion refused (%s)", models.ErrAuthorizationFailure, resp.Status)
	default:
		return "", fmt.Errorf("%w: promote: unexpected status %s", models.ErrTransient, resp.Status)
	}

	var promoted promoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&promoted); err != nil {
		return "", fmt.Errorf("edge: decode promote response: %w", err)
	}

	if promoted.Credential == "" {
		return "", fmt.Errorf("%w: empty credential in promote response", models.ErrProtocolViolation)
	}

	return promoted.Credential, nil
}
