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

// Package gateway terminates edge tunnel sessions on the private node.
// It authenticates device identity, performs the one-time bootstrap
// promotion, enforces the single-active-session rule, and demultiplexes
// inbound frames by logical channel to the registered components.
package gateway

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vzahanych/view-guard/pkg/logger"
	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/tunnel"
)

var (
	ErrBootstrapRejected = fmt.Errorf("%w: bootstrap token rejected", models.ErrAuthorizationFailure)
	ErrCredentialInvalid = fmt.Errorf("%w: invalid device credential", models.ErrAuthorizationFailure)
)

// DeviceStore is the registry surface the gateway needs. *db.DB
// satisfies it.
type DeviceStore interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	CreateDevice(ctx context.Context, deviceID, tenantID string) error
	PromoteDevice(ctx context.Context, deviceID, credentialHash string) error
	UpdateSessionState(ctx context.Context, deviceID string, state models.DeviceSessionState) error
	TouchDevice(ctx context.Context, deviceID string) error
}

// BootstrapEntry is one provisioned device awaiting first contact. The
// control plane issues the bootstrap token out of band; only its hash
// lives here.
type BootstrapEntry struct {
	DeviceID  string `json:"device_id"`
	TenantID  string `json:"tenant_id"`
	TokenHash string `json:"token_hash"`
}

// Config describes the gateway listener and its provisioned devices.
type Config struct {
	ListenAddr       string           `json:"listen_addr"`
	BootstrapDevices []BootstrapEntry `json:"bootstrap_devices"`
	ShutdownTimeout  models.Duration  `json:"shutdown_timeout"`
}

// Gateway is the node-side tunnel endpoint.
type Gateway struct {
	config   Config
	devices  DeviceStore
	registry *Registry
	logger   logger.Logger

	bootstrap map[string]BootstrapEntry // device id -> entry

	server *http.Server
}

// New builds a gateway around a device store. Register channel handlers
// before Start.
func New(config Config, devices DeviceStore, log logger.Logger) *Gateway {
	bootstrap := make(map[string]BootstrapEntry, len(config.BootstrapDevices))
	for _, entry := range config.BootstrapDevices {
		bootstrap[entry.DeviceID] = entry
	}

	return &Gateway{
		config:    config,
		devices:   devices,
		registry:  NewRegistry(log),
		logger:    log,
		bootstrap: bootstrap,
	}
}

// Registry exposes the live session registry, used by the stream relay
// to reach connected devices.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Register binds a frame handler to a logical channel. Frames on a
// channel with no handler are a protocol error.
func (g *Gateway) Register(ch tunnel.Channel, h FrameHandler) {
	g.registry.register(ch, h)
}

// Start begins serving the promotion and tunnel endpoints.
func (g *Gateway) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/devices/promote", g.handlePromote)
	mux.HandleFunc("GET /api/v1/tunnel", g.handleTunnel)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error().Err(err).Msg("Gateway listener failed")
		}
	}()

	g.logger.Info().Str("addr", g.config.ListenAddr).Msg("Gateway listening")

	return nil
}

// Stop drains sessions and shuts the listener down.
func (g *Gateway) Stop(ctx context.Context) error {
	g.registry.closeAll()

	if g.server != nil {
		return g.server.Shutdown(ctx)
	}

	return nil
}

type promoteRequest struct {
	DeviceID       string `json:"device_id"`
	BootstrapToken string `json:"bootstrap_token"`
}

type promoteResponse struct {
	DeviceID   string `json:"device_id"`
	TenantID   string `json:"tenant_id"`
	Credential string `json:"credential"`
}

// handlePromote exchanges a provisioned bootstrap token for a
// long-lived credential. The exchange is one-time: once a device is
// promoted, its bootstrap token is dead and re-promotion requires an
// explicit operator reset.
func (g *Gateway) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	entry, ok := g.bootstrap[req.DeviceID]
	if !ok || !hashMatches(entry.TokenHash, req.BootstrapToken) {
		g.logger.Warn().Str("device_id", req.DeviceID).Msg("Bootstrap token rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)

		return
	}

	ctx := r.Context()

	if err := g.devices.CreateDevice(ctx, entry.DeviceID, entry.TenantID); err != nil {
		g.logger.Error().Err(err).Str("device_id", req.DeviceID).Msg("Device registration failed")
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	credential, err := newCredential()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := g.devices.PromoteDevice(ctx, entry.DeviceID, hashCredential(credential)); err != nil {
		g.logger.Warn().Err(err).Str("device_id", req.DeviceID).Msg("Promotion refused")
		http.Error(w, "promotion refused", http.StatusConflict)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(promoteResponse{
		DeviceID:   entry.DeviceID,
		TenantID:   entry.TenantID,
		Credential: credential,
	})
}

// handleTunnel authenticates the long-lived credential and upgrades to
// a tunnel session. Bootstrap tokens are never accepted here.
func (g *Gateway) handleTunnel(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("X-Device-ID")
	credential := bearerToken(r)

	device, err := g.authenticate(r.Context(), deviceID, credential)
	if err != nil {
		g.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Tunnel authentication failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)

		return
	}

	sess, err := tunnel.Upgrade(w, r)
	if err != nil {
		g.logger.Error().Err(err).Str("device_id", deviceID).Msg("Tunnel upgrade failed")
		return
	}

	g.registry.bind(r.Context(), device, sess, g.devices)
}

func (g *Gateway) authenticate(ctx context.Context, deviceID, credential string) (*models.Device, error) {
	if deviceID == "" || credential == "" {
		return nil, ErrCredentialInvalid
	}

	device, err := g.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if device.Deactivated {
		return nil, fmt.Errorf("%w: device deactivated", models.ErrAuthorizationFailure)
	}

	if !device.Promoted {
		return nil, ErrBootstrapRejected
	}

	if !hashMatches(device.CredentialHash, credential) {
		return nil, ErrCredentialInvalid
	}

	return device, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")

	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}

	return token
}

func newCredential() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("gateway: generate credential: %w", err)
	}

	return hex.EncodeToString(buf), nil
}

func hashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

func hashMatches(storedHash, presented string) bool {
	if storedHash == "" || presented == "" {
		return false
	}

	presentedHash := hashCredential(presented)

	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(presentedHash)) == 1
}
