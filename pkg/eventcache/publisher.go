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

package eventcache

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vzahanych/view-guard/pkg/logger"
	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/tunnel"
)

const (
	summaryStream        = "VIEWGUARD_EVENTS"
	summarySubjectPrefix = "viewguard.events.summary."
)

// NATSPublisher ships event summaries to the control plane over NATS
// JetStream, one message per tenant batch.
type NATSPublisher struct {
	js     jetstream.JetStream
	logger logger.Logger
}

// NewNATSPublisher connects the publisher to an existing NATS
// connection and ensures the summary stream exists.
func NewNATSPublisher(ctx context.Context, nc *nats.Conn, log logger.Logger) (*NATSPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("eventcache: jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     summaryStream,
		Subjects: []string{summarySubjectPrefix + ">"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("eventcache: ensure summary stream: %w", err)
	}

	return &NATSPublisher{js: js, logger: log}, nil
}

// PublishSummaries publishes one message per tenant, carrying only
// metadata. Any single failed publish fails the batch so the caller
// retries without marking events forwarded.
func (p *NATSPublisher) PublishSummaries(ctx context.Context, summaries []*models.EventSummary) error {
	byTenant := make(map[string][]*models.EventSummary)
	for _, summary := range summaries {
		byTenant[summary.TenantID] = append(byTenant[summary.TenantID], summary)
	}

	for tenantID, batch := range byTenant {
		payload, err := tunnel.EncodePayload(batch)
		if err != nil {
			return err
		}

		subject := summarySubjectPrefix + tenantID

		if _, err := p.js.Publish(ctx, subject, payload); err != nil {
			return fmt.Errorf("eventcache: publish summaries for %s: %w", tenantID, err)
		}

		p.logger.Debug().
			Str("subject", subject).
			Int("count", len(batch)).
			Msg("Published summary batch")
	}

	return nil
}
