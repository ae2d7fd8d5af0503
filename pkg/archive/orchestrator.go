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

// Package archive is the private node's archive orchestrator. Every
// submission runs through an atomic check-and-reserve against the
// tenant's quota ledger, uploads to content-addressed storage with
// bounded retries, and commits the reservation together with the
// archive record. The ledger never drifts from live records: commit,
// release, and deletion are all single transactions on the store side.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vzahanych/view-guard/pkg/gateway"
	"github.com/vzahanych/view-guard/pkg/logger"
	"github.com/vzahanych/view-guard/pkg/metrics"
	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/tunnel"
)

const (
	defaultUploadAttempts = 3
	defaultUploadBackoff  = 2 * time.Second
	defaultSweepInterval  = time.Hour
	sweepBatchSize        = 100
)

// Ledger is the quota and record surface the orchestrator needs. *db.DB
// satisfies it.
type Ledger interface {
	ReserveQuota(ctx context.Context, tenantID string, sizeBytes int64) error
	ReleaseReservation(ctx context.Context, tenantID string, sizeBytes int64) error
	CommitArchive(ctx context.Context, record *models.ArchiveRecord) error
	GetLedger(ctx context.Context, tenantID string) (*models.QuotaLedger, error)
	ExpiredArchiveRecords(ctx context.Context, now time.Time, limit int) ([]*models.ArchiveRecord, error)
	DeleteArchiveRecord(ctx context.Context, eventID string) error
}

// EventAnnotator records archive status on cached events.
type EventAnnotator interface {
	SetEventArchiveStatus(ctx context.Context, eventID string, status models.ArchiveStatus) error
}

// Config tunes upload retries and the retention sweep.
type Config struct {
	UploadAttempts int             `json:"upload_attempts"`
	UploadBackoff  models.Duration `json:"upload_backoff"`
	SweepInterval  models.Duration `json:"sweep_interval"`
}

func (c *Config) SetDefaults() {
	if c.UploadAttempts <= 0 {
		c.UploadAttempts = defaultUploadAttempts
	}

	if c.UploadBackoff == 0 {
		c.UploadBackoff = models.Duration(defaultUploadBackoff)
	}

	if c.SweepInterval == 0 {
		c.SweepInterval = models.Duration(defaultSweepInterval)
	}
}

// Orchestrator accepts encrypted blobs from the edge and owns their
// remote lifecycle.
type Orchestrator struct {
	ledger  Ledger
	events  EventAnnotator
	objects ObjectStore
	config  Config
	logger  logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles the orchestrator.
func New(ledger Ledger, events EventAnnotator, objects ObjectStore, config Config, log logger.Logger) *Orchestrator {
	config.SetDefaults()

	return &Orchestrator{
		ledger:  ledger,
		events:  events,
		objects: objects,
		config:  config,
		logger:  log,
	}
}

// HandleFrame consumes archive-channel submissions from the gateway and
// replies with the terminal outcome.
func (o *Orchestrator) HandleFrame(ctx context.Context, sess *gateway.DeviceSession, f *tunnel.Frame) (*tunnel.Frame, error) {
	var submission models.ArchiveSubmission
	if err := tunnel.DecodePayload(f, &submission); err != nil {
		return nil, err
	}

	if submission.TenantID != sess.TenantID {
		return nil, fmt.Errorf("%w: submission tenant %s does not match session tenant %s",
			models.ErrProtocolViolation, submission.TenantID, sess.TenantID)
	}

	result := tunnel.ArchiveResult{EventID: submission.EventID}

	outcome, err := o.Submit(ctx, &submission)
	result.Outcome = outcome

	if err != nil {
		result.Reason = err.Error()
	}

	metrics.ArchiveSubmissions.WithLabelValues(string(outcome)).Inc()

	payload, err := tunnel.EncodePayload(result)
	if err != nil {
		return nil, err
	}

	return &tunnel.Frame{Type: tunnel.TypeArchiveResult, Payload: payload}, nil
}

// Submit runs one submission through reserve → upload → commit. Quota
// rejection is terminal and not retried here; transient upload failures
// are retried with backoff up to the attempt cap, releasing the
// reservation on final failure. A cancelled context releases the
// reservation too, so a dropped session never leaks reserved space.
func (o *Orchestrator) Submit(ctx context.Context, submission *models.ArchiveSubmission) (models.ArchiveOutcome, error) {
	size := int64(len(submission.Blob))

	if err := o.ledger.ReserveQuota(ctx, submission.TenantID, size); err != nil {
		if models.IsQuotaExceeded(err) {
			o.annotate(ctx, submission.EventID, models.ArchiveQuotaRejected)
			o.logger.Warn().
				Str("tenant_id", submission.TenantID).
				Str("event_id", submission.EventID).
				Int64("size_bytes", size).
				Msg("Archive submission rejected by quota")

			return models.ArchiveOutcomeQuotaRejected, err
		}

		return models.ArchiveOutcomeRetry, err
	}

	o.annotate(ctx, submission.EventID, models.ArchiveUploading)

	locator, err := o.upload(ctx, submission.Blob)
	if err != nil {
		releaseCtx := context.WithoutCancel(ctx)
		if relErr := o.ledger.ReleaseReservation(releaseCtx, submission.TenantID, size); relErr != nil {
			o.logger.Error().Err(relErr).
				Str("tenant_id", submission.TenantID).
				Msg("Reservation release failed")
		}

		o.annotate(releaseCtx, submission.EventID, models.ArchiveFailed)

		return models.ArchiveOutcomeRetry, err
	}

	ledger, err := o.ledger.GetLedger(ctx, submission.TenantID)
	if err != nil {
		return models.ArchiveOutcomeRetry, err
	}

	now := time.Now().UTC()
	record := &models.ArchiveRecord{
		TenantID:     submission.TenantID,
		EventID:      submission.EventID,
		Locator:      locator,
		SizeBytes:    size,
		MetadataHash: submission.MetadataHash,
		UploadedAt:   now,
		ExpiresAt:    now.AddDate(0, 0, ledger.RetentionDays),
	}

	if err := o.ledger.CommitArchive(ctx, record); err != nil {
		return models.ArchiveOutcomeRetry, err
	}

	o.annotate(ctx, submission.EventID, models.ArchiveArchived)
	o.publishQuota(ctx, submission.TenantID)

	o.logger.Info().
		Str("tenant_id", submission.TenantID).
		Str("event_id", submission.EventID).
		Str("locator", locator).
		Int64("size_bytes", size).
		Msg("Archive committed")

	return models.ArchiveOutcomeAccepted, nil
}

func (o *Orchestrator) upload(ctx context.Context, blob []byte) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= o.config.UploadAttempts; attempt++ {
		locator, err := o.objects.Put(ctx, blob)
		if err == nil {
			return locator, nil
		}

		lastErr = err
		o.logger.Warn().Err(err).Int("attempt", attempt).Msg("Archive upload failed")

		if attempt == o.config.UploadAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(o.config.UploadBackoff) * time.Duration(attempt)):
		}
	}

	return "", fmt.Errorf("%w: upload failed after %d attempts: %v",
		models.ErrTransient, o.config.UploadAttempts, lastErr)
}

// Start launches the retention sweep loop.
func (o *Orchestrator) Start(_ context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})

	go o.sweepLoop(runCtx)

	return nil
}

// Stop halts the sweep loop.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}

	if o.done != nil {
		select {
		case <-o.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(time.Duration(o.config.SweepInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.RetentionSweep(ctx, time.Now().UTC()); err != nil {
				o.logger.Error().Err(err).Msg("Retention sweep failed")
			}
		}
	}
}

// RetentionSweep deletes expired archives. The remote object goes first
// and the ledger record second, never the other way around: a failed
// remote delete leaves the record in place so the next sweep retries
// it, rather than orphaning a remote object nothing accounts for.
func (o *Orchestrator) RetentionSweep(ctx context.Context, now time.Time) error {
	records, err := o.ledger.ExpiredArchiveRecords(ctx, now, sweepBatchSize)
	if err != nil {
		return err
	}

	for _, record := range records {
		if err := o.objects.Delete(ctx, record.Locator); err != nil {
			o.logger.Warn().Err(err).
				Str("event_id", record.EventID).
				Str("locator", record.Locator).
				Msg("Remote delete failed, record kept for retry")

			continue
		}

		if err := o.ledger.DeleteArchiveRecord(ctx, record.EventID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}

			return err
		}

		o.publishQuota(ctx, record.TenantID)
		o.logger.Info().
			Str("event_id", record.EventID).
			Str("tenant_id", record.TenantID).
			Msg("Expired archive deleted")
	}

	return nil
}

func (o *Orchestrator) annotate(ctx context.Context, eventID string, status models.ArchiveStatus) {
	if err := o.events.SetEventArchiveStatus(ctx, eventID, status); err != nil && !errors.Is(err, models.ErrNotFound) {
		o.logger.Error().Err(err).Str("event_id", eventID).Msg("Archive status annotation failed")
	}
}

func (o *Orchestrator) publishQuota(ctx context.Context, tenantID string) {
	ledger, err := o.ledger.GetLedger(ctx, tenantID)
	if err != nil {
		return
	}

	metrics.QuotaCommittedBytes.WithLabelValues(tenantID).Set(float64(ledger.CommittedBytes))
}
