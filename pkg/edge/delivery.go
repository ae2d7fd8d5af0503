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
	"time"

	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/tunnel"
)

// deliveryLoop drains the durable queue over the event channel. The
// node's ack lists the events it cached; anything unacked goes back to
// the queue with backoff. At-least-once: the cache's idempotent upsert
// absorbs replays.
func (a *Agent) deliveryLoop(ctx context.Context, conn *tunnel.Conn) {
	ticker := time.NewTicker(time.Duration(a.config.DeliveryInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := a.deliverBatch(ctx, conn); err != nil {
			a.logger.Warn().Err(err).Msg("Event delivery attempt failed")
		}
	}
}

func (a *Agent) deliverBatch(ctx context.Context, conn *tunnel.Conn) error {
	now := time.Now().UTC()

	events, err := a.queue.NextBatch(ctx, now, a.config.BatchSize)
	if err != nil || len(events) == 0 {
		return err
	}

	f, err := a.frame(tunnel.ChannelEvent, tunnel.TypeEventBatch, tunnel.EventBatch{Events: events})
	if err != nil {
		return err
	}

	reply, err := a.request(ctx, conn, f)
	if err != nil {
		a.failBatch(ctx, events, err)
		return err
	}

	var ack tunnel.EventAck
	if err := tunnel.DecodePayload(reply, &ack); err != nil {
		a.failBatch(ctx, events, err)
		return err
	}

	acked := make(map[string]bool, len(ack.Acked))
	for _, id := range ack.Acked {
		acked[id] = true
	}

	for _, event := range events {
		if acked[event.EventID] {
			if err := a.queue.Ack(ctx, event.EventID); err != nil {
				a.logger.Error().Err(err).Str("event_id", event.EventID).Msg("Queue ack failed")
			}

			continue
		}

		if _, err := a.queue.Fail(ctx, event.EventID, now, models.ErrTransient); err != nil {
			a.logger.Error().Err(err).Str("event_id", event.EventID).Msg("Queue requeue failed")
		}
	}

	return nil
}

func (a *Agent) failBatch(ctx context.Context, events []*models.Event, cause error) {
	now := time.Now().UTC()

	for _, event := range events {
		if _, err := a.queue.Fail(ctx, event.EventID, now, cause); err != nil {
			a.logger.Error().Err(err).Str("event_id", event.EventID).Msg("Queue requeue failed")
		}
	}
}

// telemetryLoop reports queue depth and disk health on the telemetry
// channel.
func (a *Agent) telemetryLoop(ctx context.Context, conn *tunnel.Conn) {
	ticker := time.NewTicker(time.Duration(a.config.TelemetryInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := a.reportTelemetry(ctx, conn); err != nil {
			a.logger.Warn().Err(err).Msg("Telemetry report failed")
		}
	}
}

func (a *Agent) reportTelemetry(ctx context.Context, conn *tunnel.Conn) error {
	depth, err := a.queue.Depth(ctx)
	if err != nil {
		return err
	}

	used, err := a.clips.Usage()
	if err != nil {
		return err
	}

	report := models.DeviceTelemetry{
		DeviceID:        a.config.DeviceID,
		TenantID:        a.config.TenantID,
		QueueDepth:      depth,
		DiskUsedPercent: used,
		RecordingPaused: a.clips.RecordingPaused(),
		ReportedAt:      time.Now().UTC(),
	}

	f, err := a.frame(tunnel.ChannelTelemetry, tunnel.TypeTelemetryReport, report)
	if err != nil {
		return err
	}

	_, err = a.request(ctx, conn, f)

	return err
}
