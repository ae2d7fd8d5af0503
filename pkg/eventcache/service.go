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

// Package eventcache is the private node's durable store of event
// metadata. Upserts are idempotent by event id so at-least-once
// delivery from the edge never double-counts; queries page through a
// restartable cursor; expired events are purged on a schedule that
// never runs ahead of a pending archive upload.
package eventcache

import (
	"context"
	"time"

	"github.com/vzahanych/view-guard/pkg/gateway"
	"github.com/vzahanych/view-guard/pkg/logger"
	"github.com/vzahanych/view-guard/pkg/metrics"
	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/tunnel"
)

const (
	defaultPurgeInterval   = time.Hour
	defaultForwardInterval = 30 * time.Second
	defaultForwardBatch    = 200
	defaultRetentionDays   = 30
)

// EventStore is the persistence surface the cache needs. *db.DB
// satisfies it.
type EventStore interface {
	UpsertEvent(ctx context.Context, event *models.Event) (bool, error)
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
	QueryEvents(ctx context.Context, filter models.EventFilter) (*models.EventPage, error)
	ListUnforwarded(ctx context.Context, limit int) ([]*models.Event, error)
	MarkForwarded(ctx context.Context, eventIDs []string, at time.Time) error
	PurgeExpiredEvents(ctx context.Context, tenantID string, olderThan time.Time) (int64, error)
}

// TenantRetention resolves a tenant's retention horizon in days. The
// archive ledger carries the tier's retention, so *db.DB backs this
// through GetLedger.
type TenantRetention interface {
	RetentionDays(ctx context.Context, tenantID string) (int, error)
}

// SummaryPublisher ships metadata-only event summaries to the control
// plane. Raw media never passes through here.
type SummaryPublisher interface {
	PublishSummaries(ctx context.Context, summaries []*models.EventSummary) error
}

// Config tunes the cache's background schedules.
type Config struct {
	PurgeInterval   models.Duration `json:"purge_interval"`
	ForwardInterval models.Duration `json:"forward_interval"`
	ForwardBatch    int             `json:"forward_batch"`
	Tenants         []string        `json:"tenants"`
}

func (c *Config) SetDefaults() {
	if c.PurgeInterval == 0 {
		c.PurgeInterval = models.Duration(defaultPurgeInterval)
	}

	if c.ForwardInterval == 0 {
		c.ForwardInterval = models.Duration(defaultForwardInterval)
	}

	if c.ForwardBatch <= 0 {
		c.ForwardBatch = defaultForwardBatch
	}
}

// Service is the event cache with its background forward/purge loops.
type Service struct {
	store     EventStore
	retention TenantRetention
	publisher SummaryPublisher
	config    Config
	logger    logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles the cache. publisher may be nil when no control plane
// is configured; forwarding is then disabled.
func New(store EventStore, retention TenantRetention, publisher SummaryPublisher, config Config, log logger.Logger) *Service {
	config.SetDefaults()

	return &Service{
		store:     store,
		retention: retention,
		publisher: publisher,
		config:    config,
		logger:    log,
	}
}

// HandleFrame consumes event-channel frames from the gateway. Batches
// are upserted idempotently; the ack lists every event now durably
// cached, which is the edge's signal to mark them delivered.
func (s *Service) HandleFrame(ctx context.Context, _ *gateway.DeviceSession, f *tunnel.Frame) (*tunnel.Frame, error) {
	var batch tunnel.EventBatch
	if err := tunnel.DecodePayload(f, &batch); err != nil {
		return nil, err
	}

	ack := tunnel.EventAck{Acked: make([]string, 0, len(batch.Events))}

	for _, event := range batch.Events {
		inserted, err := s.store.UpsertEvent(ctx, event)
		if err != nil {
			s.logger.Error().Err(err).Str("event_id", event.EventID).Msg("Event upsert failed")

			// Partial ack: the edge retries the rest. Upsert
			// idempotence makes the replay harmless.
			break
		}

		result := "updated"
		if inserted {
			result = "inserted"
		}

		metrics.EventsUpserted.WithLabelValues(result).Inc()
		ack.Acked = append(ack.Acked, event.EventID)
	}

	payload, err := tunnel.EncodePayload(ack)
	if err != nil {
		return nil, err
	}

	return &tunnel.Frame{Type: tunnel.TypeEventAck, Payload: payload}, nil
}

// HandleTelemetry consumes telemetry-channel frames. Telemetry is a
// health signal, not stored state: it is logged for the monitoring
// collaborator and acknowledged.
func (s *Service) HandleTelemetry(_ context.Context, sess *gateway.DeviceSession, f *tunnel.Frame) (*tunnel.Frame, error) {
	var report models.DeviceTelemetry
	if err := tunnel.DecodePayload(f, &report); err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("device_id", sess.DeviceID).
		Int("queue_depth", report.QueueDepth).
		Float64("disk_used_percent", report.DiskUsedPercent).
		Bool("recording_paused", report.RecordingPaused).
		Msg("Device telemetry")

	return &tunnel.Frame{Type: tunnel.TypeControlAck}, nil
}

// Query pages through cached events.
func (s *Service) Query(ctx context.Context, filter models.EventFilter) (*models.EventPage, error) {
	return s.store.QueryEvents(ctx, filter)
}

// Start launches the forward and purge loops.
func (s *Service) Start(_ context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)

	return nil
}

// Stop halts the background loops.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	forward := time.NewTicker(time.Duration(s.config.ForwardInterval))
	defer forward.Stop()

	purge := time.NewTicker(time.Duration(s.config.PurgeInterval))
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-forward.C:
			if err := s.ForwardSummaries(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Summary forwarding failed")
			}
		case <-purge.C:
			if err := s.PurgeExpired(ctx, time.Now().UTC()); err != nil {
				s.logger.Error().Err(err).Msg("Retention purge failed")
			}
		}
	}
}

// ForwardSummaries batches new and changed events to the control plane
// as metadata-only summaries. Events are marked forwarded only after a
// successful publish, so a failed publish is retried next tick.
func (s *Service) ForwardSummaries(ctx context.Context) error {
	if s.publisher == nil {
		return nil
	}

	events, err := s.store.ListUnforwarded(ctx, s.config.ForwardBatch)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		return nil
	}

	summaries := make([]*models.EventSummary, 0, len(events))
	ids := make([]string, 0, len(events))

	for _, event := range events {
		summaries = append(summaries, event.Summary())
		ids = append(ids, event.EventID)
	}

	if err := s.publisher.PublishSummaries(ctx, summaries); err != nil {
		return err
	}

	if err := s.store.MarkForwarded(ctx, ids, time.Now().UTC()); err != nil {
		return err
	}

	s.logger.Debug().Int("count", len(ids)).Msg("Event summaries forwarded")

	return nil
}

// PurgeExpired removes events past each tenant's retention horizon.
// The store-level delete skips events whose archive upload is still in
// progress, preserving the ordering dependency with the orchestrator.
func (s *Service) PurgeExpired(ctx context.Context, now time.Time) error {
	for _, tenantID := range s.config.Tenants {
		days, err := s.retention.RetentionDays(ctx, tenantID)
		if err != nil {
			s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Retention lookup failed")
			continue
		}

		if days <= 0 {
			days = defaultRetentionDays
		}

		horizon := now.AddDate(0, 0, -days)

		purged, err := s.store.PurgeExpiredEvents(ctx, tenantID, horizon)
		if err != nil {
			return err
		}

		if purged > 0 {
			s.logger.Info().
				Str("tenant_id", tenantID).
				Int64("purged", purged).
				Time("horizon", horizon).
				Msg("Expired events purged")
		}
	}

	return nil
}
