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

// Package edge is the device-side agent. It records detections into the
// local clip store and durable event queue, keeps one tunnel session
// alive to the private node, delivers events at-least-once, encrypts
// and submits clips for archival, reports telemetry, and serves clip
// bytes for relayed streams. A stalled tunnel never blocks recording:
// network loops run apart from local capture.
package edge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vzahanych/view-guard/pkg/clipstore"
	"github.com/vzahanych/view-guard/pkg/encryption"
	"github.com/vzahanych/view-guard/pkg/eventqueue"
	"github.com/vzahanych/view-guard/pkg/logger"
	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/tunnel"
)

const (
	defaultBatchSize         = 25
	defaultDeliveryInterval  = 2 * time.Second
	defaultTelemetryInterval = 30 * time.Second
	defaultArchiveInterval   = 10 * time.Second
	defaultRequestTimeout    = 15 * time.Second
	streamChunkSize          = 64 * 1024
)

// Config wires the agent to its node.
type Config struct {
	NodeURL        string `json:"node_url"` // e.g. https://node.example
	DeviceID       string `json:"device_id"`
	TenantID       string `json:"tenant_id"`
	BootstrapToken string `json:"bootstrap_token,omitempty"`
	CredentialFile string `json:"credential_file"`

	// TenantSecret derives the archive encryption key. When empty,
	// archival is skipped and clips stay local.
	TenantSecret string `json:"tenant_secret,omitempty"`

	BatchSize         int             `json:"batch_size"`
	DeliveryInterval  models.Duration `json:"delivery_interval"`
	TelemetryInterval models.Duration `json:"telemetry_interval"`
	ArchiveInterval   models.Duration `json:"archive_interval"`
	RequestTimeout    models.Duration `json:"request_timeout"`
}

func (c *Config) Validate() error {
	if c.NodeURL == "" {
		return fmt.Errorf("edge: node_url is required")
	}

	if c.DeviceID == "" || c.TenantID == "" {
		return fmt.Errorf("edge: device_id and tenant_id are required")
	}

	return nil
}

func (c *Config) SetDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}

	if c.DeliveryInterval == 0 {
		c.DeliveryInterval = models.Duration(defaultDeliveryInterval)
	}

	if c.TelemetryInterval == 0 {
		c.TelemetryInterval = models.Duration(defaultTelemetryInterval)
	}

	if c.ArchiveInterval == 0 {
		c.ArchiveInterval = models.Duration(defaultArchiveInterval)
	}

	if c.RequestTimeout == 0 {
		c.RequestTimeout = models.Duration(defaultRequestTimeout)
	}
}

// Agent is the edge daemon's core.
type Agent struct {
	config Config
	clips  *clipstore.Store
	queue  *eventqueue.Queue
	enc    *encryption.Service
	logger logger.Logger

	mu      sync.Mutex
	conn    *tunnel.Conn
	streams map[string]context.CancelFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles the agent.
func New(config Config, clips *clipstore.Store, queue *eventqueue.Queue, enc *encryption.Service, log logger.Logger) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	config.SetDefaults()

	return &Agent{
		config:  config,
		clips:   clips,
		queue:   queue,
		enc:     enc,
		logger:  log,
		streams: make(map[string]context.CancelFunc),
	}, nil
}

// RecordEvent is the entry point for the detection collaborator: store
// the clip locally, make the event durable, and queue the clip for
// archival. This path touches no network and keeps working while the
// tunnel is down.
func (a *Agent) RecordEvent(ctx context.Context, event *models.Event, clipData []byte, meta clipstore.Metadata) error {
	event.TenantID = a.config.TenantID
	event.DeviceID = a.config.DeviceID

	if len(clipData) > 0 {
		clip, err := a.clips.Put(ctx, clipData, meta)
		if err != nil {
			return err
		}

		event.ClipRef = clip.ClipRef
	}

	if err := a.queue.Enqueue(ctx, event); err != nil {
		return err
	}

	if event.ClipRef != "" {
		if a.config.TenantSecret != "" {
			return a.clips.MarkArchivePending(ctx, event.ClipRef, event.EventID)
		}

		// No secret, no archival. Terminal and logged, never
		// retried forever.
		a.logger.Info().
			Str("event_id", event.EventID).
			Str("clip_ref", event.ClipRef).
			Msg("Tenant secret unavailable, clip not eligible for archive")

		return a.clips.SetArchiveStatus(ctx, event.ClipRef, models.ArchiveNotEligible)
	}

	return nil
}

// Start recovers the queue and begins maintaining the tunnel session.
func (a *Agent) Start(ctx context.Context) error {
	if _, err := a.queue.Recover(ctx); err != nil {
		return err
	}

	credential, err := a.ensureCredential(ctx)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("X-Device-ID", a.config.DeviceID)
	header.Set("Authorization", "Bearer "+credential)

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})

	redialer := &tunnel.Redialer{
		Dial:      tunnel.WebsocketDialFunc(tunnelURL(a.config.NodeURL), header),
		OnSession: a.runSession,
		Logger:    a.logger,
	}

	go func() {
		defer close(a.done)
		_ = redialer.Run(runCtx)
	}()

	return nil
}

// Stop tears the tunnel down.
func (a *Agent) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	a.mu.Lock()
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.mu.Unlock()

	if a.done != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// runSession owns one live session: delivery, archive, and telemetry
// loops run alongside the control-frame serve loop until the session
// dies. Every loop is bound to the session context, so an in-flight
// request on a dropped session cancels rather than dangling.
func (a *Agent) runSession(ctx context.Context, sess tunnel.Session) error {
	conn := tunnel.NewConn(sess, a.logger)

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	for _, loop := range []func(context.Context, *tunnel.Conn){
		a.deliveryLoop,
		a.archiveLoop,
		a.telemetryLoop,
	} {
		wg.Add(1)

		go func() {
			defer wg.Done()
			loop(sessCtx, conn)
		}()
	}

	err := conn.Serve(sessCtx, a.handleControl)

	cancel()
	wg.Wait()
	a.abortStreams()

	a.mu.Lock()
	a.conn = nil
	a.mu.Unlock()

	return err
}

// frame stamps session identity onto an outbound frame.
func (a *Agent) frame(channel tunnel.Channel, frameType string, payload any) (*tunnel.Frame, error) {
	raw, err := tunnel.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	return &tunnel.Frame{
		Channel:  channel,
		Type:     frameType,
		TenantID: a.config.TenantID,
		DeviceID: a.config.DeviceID,
		Payload:  raw,
	}, nil
}

func (a *Agent) request(ctx context.Context, conn *tunnel.Conn, f *tunnel.Frame) (*tunnel.Frame, error) {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(a.config.RequestTimeout))
	defer cancel()

	return conn.Request(reqCtx, f)
}

func tunnelURL(nodeURL string) string {
	return wsScheme(nodeURL) + "/api/v1/tunnel"
}

// wsScheme rewrites http(s) node URLs to their websocket form.
func wsScheme(nodeURL string) string {
	switch {
	case len(nodeURL) > 8 && nodeURL[:8] == "https://":
		return "wss://" + nodeURL[8:]
	case len(nodeURL) > 7 && nodeURL[:7] == "http://":
		return "ws://" + nodeURL[7:]
	default:
		return nodeURL
	}
}
