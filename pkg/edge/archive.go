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
	"context"
	"errors"
	"io"
	"time"

	"github.com/vzahanych/view-guard/pkg/clipstore"
	"github.com/vzahanych/view-guard/pkg/encryption"
	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/tunnel"
)

const archiveBatchLimit = 4

// archiveLoop walks pending clips through encrypt → submit. The
// plaintext and the derived key never leave this process; the node only
// ever sees the self-describing envelope.
func (a *Agent) archiveLoop(ctx context.Context, conn *tunnel.Conn) {
	ticker := time.NewTicker(time.Duration(a.config.ArchiveInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		items, err := a.clips.PendingArchives(ctx, archiveBatchLimit)
		if err != nil {
			a.logger.Error().Err(err).Msg("Pending archive scan failed")
			continue
		}

		for _, item := range items {
			if ctx.Err() != nil {
				return
			}

			if err := a.submitArchive(ctx, conn, item); err != nil {
				a.logger.Warn().Err(err).
					Str("clip_ref", item.Clip.ClipRef).
					Str("event_id", item.EventID).
					Msg("Archive submission failed, will retry")
			}
		}
	}
}

func (a *Agent) submitArchive(ctx context.Context, conn *tunnel.Conn, item *clipstore.ArchiveItem) error {
	reader, clip, err := a.clips.Get(ctx, item.Clip.ClipRef)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Evicted underneath us; nothing left to archive.
			return a.clips.SetArchiveStatus(ctx, item.Clip.ClipRef, models.ArchiveFailed)
		}

		return err
	}

	plaintext, err := io.ReadAll(reader)
	_ = reader.Close()

	if err != nil {
		return err
	}

	if err := a.clips.SetArchiveStatus(ctx, clip.ClipRef, models.ArchiveEncrypting); err != nil {
		return err
	}

	blob, metadataHash, err := a.enc.Encrypt(plaintext, []byte(a.config.TenantSecret))
	if err != nil {
		if errors.Is(err, encryption.ErrSecretUnavailable) {
			a.logger.Info().
				Str("event_id", item.EventID).
				Msg("Tenant secret unavailable, archive skipped")

			return a.clips.SetArchiveStatus(ctx, clip.ClipRef, models.ArchiveNotEligible)
		}

		return err
	}

	if err := a.clips.SetArchiveStatus(ctx, clip.ClipRef, models.ArchiveUploading); err != nil {
		return err
	}

	f, err := a.frame(tunnel.ChannelArchive, tunnel.TypeArchiveSubmit, models.ArchiveSubmission{
		TenantID:     a.config.TenantID,
		DeviceID:     a.config.DeviceID,
		EventID:      item.EventID,
		MetadataHash: metadataHash,
		Blob:         blob,
	})
	if err != nil {
		return err
	}

	reply, err := a.request(ctx, conn, f)
	if err != nil {
		// Transient transport failure: back to pending for the
		// next pass.
		_ = a.clips.MarkArchivePending(ctx, clip.ClipRef, item.EventID)
		return err
	}

	var result tunnel.ArchiveResult
	if err := tunnel.DecodePayload(reply, &result); err != nil {
		_ = a.clips.MarkArchivePending(ctx, clip.ClipRef, item.EventID)
		return err
	}

	switch result.Outcome {
	case models.ArchiveOutcomeAccepted:
		a.logger.Info().
			Str("event_id", item.EventID).
			Str("clip_ref", clip.ClipRef).
			Msg("Clip archived")

		return a.clips.SetArchiveStatus(ctx, clip.ClipRef, models.ArchiveArchived)
	case models.ArchiveOutcomeQuotaRejected:
		// Terminal: surfaced to the user, never auto-retried.
		a.logger.Warn().
			Str("event_id", item.EventID).
			Str("reason", result.Reason).
			Msg("Archive rejected by tenant quota")

		return a.clips.SetArchiveStatus(ctx, clip.ClipRef, models.ArchiveQuotaRejected)
	default:
		return a.clips.MarkArchivePending(ctx, clip.ClipRef, item.EventID)
	}
}
