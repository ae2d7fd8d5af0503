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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard/pkg/gateway"
	"github.com/vzahanych/view-guard/pkg/logger"
	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/tunnel"
)

type fakeEventStore struct {
	mu          sync.Mutex
	events      map[string]*models.Event
	failOn      string
	unforwarded []*models.Event
	forwarded   []string
	purgeCalls  map[string]time.Time
	queryErr    error
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		events:     make(map[string]*models.Event),
		purgeCalls: make(map[string]time.Time),
	}
}

func (s *fakeEventStore) UpsertEvent(_ context.Context, event *models.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.EventID == s.failOn {
		return false, errors.New("database unavailable")
	}

	_, exists := s.events[event.EventID]
	cp := *event
	s.events[event.EventID] = &cp

	return !exists, nil
}

func (s *fakeEventStore) GetEvent(_ context.Context, eventID string) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", models.ErrNotFound, eventID)
	}

	return event, nil
}

func (s *fakeEventStore) QueryEvents(_ context.Context, filter models.EventFilter) (*models.EventPage, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	page := &models.EventPage{Events: []*models.Event{}}

	for _, event := range s.events {
		if filter.TenantID == "" || event.TenantID == filter.TenantID {
			page.Events = append(page.Events, event)
		}
	}

	return page, nil
}

func (s *fakeEventStore) ListUnforwarded(_ context.Context, limit int) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.unforwarded) > limit {
		return s.unforwarded[:limit], nil
	}

	return s.unforwarded, nil
}

func (s *fakeEventStore) MarkForwarded(_ context.Context, eventIDs []string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.forwarded = append(s.forwarded, eventIDs...)

	remaining := s.unforwarded[:0]

	for _, event := range s.unforwarded {
		marked := false

		for _, id := range eventIDs {
			if event.EventID == id {
				marked = true
				break
			}
		}

		if !marked {
			remaining = append(remaining, event)
		}
	}

	s.unforwarded = remaining

	return nil
}

func (s *fakeEventStore) PurgeExpiredEvents(_ context.Context, tenantID string, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeCalls[tenantID] = olderThan

	return 1, nil
}

type fakeRetention struct {
	days map[string]int
}

func (f *fakeRetention) RetentionDays(_ context.Context, tenantID string) (int, error) {
	return f.days[tenantID], nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []*models.EventSummary
	err       error
}

func (p *fakePublisher) PublishSummaries(_ context.Context, summaries []*models.EventSummary) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}

	p.published = append(p.published, summaries...)

	return nil
}

func cachedEvent(id string) *models.Event {
	now := time.Now().UTC()

	return &models.Event{
		EventID:   id,
		TenantID:  "tenant-1",
		DeviceID:  "dev-1",
		CameraID:  "camera-1",
		Category:  "person",
		Severity:  models.SeverityInfo,
		StartedAt: now.Add(-time.Minute),
		EndedAt:   now,
		ClipRef:   "clip-" + id,
		CreatedAt: now,
	}
}

func batchFrame(t *testing.T, events ...*models.Event) *tunnel.Frame {
	t.Helper()

	payload, err := tunnel.EncodePayload(tunnel.EventBatch{Events: events})
	require.NoError(t, err)

	return &tunnel.Frame{
		ID:      "f-1",
		Channel: tunnel.ChannelEvent,
		Type:    tunnel.TypeEventBatch,
		Payload: payload,
	}
}

func TestHandleFrameUpsertsAndAcks(t *testing.T) {
	store := newFakeEventStore()
	svc := New(store, &fakeRetention{}, nil, Config{}, logger.NewTestLogger())

	reply, err := svc.HandleFrame(context.Background(), nil, batchFrame(t, cachedEvent("ev-1"), cachedEvent("ev-2")))
	require.NoError(t, err)
	require.Equal(t, tunnel.TypeEventAck, reply.Type)

	var ack tunnel.EventAck
	require.NoError(t, tunnel.DecodePayload(reply, &ack))
	assert.Equal(t, []string{"ev-1", "ev-2"}, ack.Acked)
	assert.Len(t, store.events, 2)
}

func TestHandleFrameIsIdempotent(t *testing.T) {
	store := newFakeEventStore()
	svc := New(store, &fakeRetention{}, nil, Config{}, logger.NewTestLogger())
	ctx := context.Background()

	// The same batch delivered twice acks both times and stores once.
	for range 2 {
		reply, err := svc.HandleFrame(ctx, nil, batchFrame(t, cachedEvent("ev-1")))
		require.NoError(t, err)

		var ack tunnel.EventAck
		require.NoError(t, tunnel.DecodePayload(reply, &ack))
		assert.Equal(t, []string{"ev-1"}, ack.Acked)
	}

	assert.Len(t, store.events, 1)
}

func TestHandleFramePartialAckOnStoreFailure(t *testing.T) {
	store := newFakeEventStore()
	store.failOn = "ev-2"
	svc := New(store, &fakeRetention{}, nil, Config{}, logger.NewTestLogger())

	reply, err := svc.HandleFrame(context.Background(), nil,
		batchFrame(t, cachedEvent("ev-1"), cachedEvent("ev-2"), cachedEvent("ev-3")))
	require.NoError(t, err)

	// Only the events durably cached are acked; the edge redelivers
	// the rest.
	var ack tunnel.EventAck
	require.NoError(t, tunnel.DecodePayload(reply, &ack))
	assert.Equal(t, []string{"ev-1"}, ack.Acked)
}

func TestHandleFrameRejectsMalformedPayload(t *testing.T) {
	svc := New(newFakeEventStore(), &fakeRetention{}, nil, Config{}, logger.NewTestLogger())

	_, err := svc.HandleFrame(context.Background(), nil, &tunnel.Frame{
		ID:      "f-1",
		Channel: tunnel.ChannelEvent,
		Type:    tunnel.TypeEventBatch,
		Payload: []byte("{not json"),
	})
	require.ErrorIs(t, err, tunnel.ErrMalformedFrame)
}

func TestHandleTelemetryAcks(t *testing.T) {
	svc := New(newFakeEventStore(), &fakeRetention{}, nil, Config{}, logger.NewTestLogger())

	payload, err := tunnel.EncodePayload(models.DeviceTelemetry{
		DeviceID:        "dev-1",
		QueueDepth:      3,
		DiskUsedPercent: 41.5,
	})
	require.NoError(t, err)

	sess := &gateway.DeviceSession{DeviceID: "dev-1", TenantID: "tenant-1"}

	reply, err := svc.HandleTelemetry(context.Background(), sess, &tunnel.Frame{
		ID:      "f-1",
		Channel: tunnel.ChannelTelemetry,
		Type:    tunnel.TypeTelemetryReport,
		Payload: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, tunnel.TypeControlAck, reply.Type)
}

func TestForwardSummariesMarksOnlyOnSuccess(t *testing.T) {
	store := newFakeEventStore()
	store.unforwarded = []*models.Event{cachedEvent("ev-1"), cachedEvent("ev-2")}

	publisher := &fakePublisher{err: errors.New("control plane unreachable")}
	svc := New(store, &fakeRetention{}, publisher, Config{}, logger.NewTestLogger())
	ctx := context.Background()

	require.Error(t, svc.ForwardSummaries(ctx))
	assert.Empty(t, store.forwarded)

	// Next tick, the control plane is back.
	publisher.err = nil
	require.NoError(t, svc.ForwardSummaries(ctx))
	assert.Equal(t, []string{"ev-1", "ev-2"}, store.forwarded)
	require.Len(t, publisher.published, 2)
}

func TestForwardSummariesAreMetadataOnly(t *testing.T) {
	store := newFakeEventStore()
	store.unforwarded = []*models.Event{cachedEvent("ev-1")}

	publisher := &fakePublisher{}
	svc := New(store, &fakeRetention{}, publisher, Config{}, logger.NewTestLogger())

	require.NoError(t, svc.ForwardSummaries(context.Background()))
	require.Len(t, publisher.published, 1)

	summary := publisher.published[0]
	assert.Equal(t, "ev-1", summary.EventID)
	assert.Equal(t, "camera-1", summary.CameraID)
}

func TestForwardSummariesWithoutPublisher(t *testing.T) {
	store := newFakeEventStore()
	store.unforwarded = []*models.Event{cachedEvent("ev-1")}

	svc := New(store, &fakeRetention{}, nil, Config{}, logger.NewTestLogger())

	require.NoError(t, svc.ForwardSummaries(context.Background()))
	assert.Empty(t, store.forwarded)
}

func TestPurgeExpiredUsesTenantRetention(t *testing.T) {
	store := newFakeEventStore()
	retention := &fakeRetention{days: map[string]int{"tenant-1": 7}}

	svc := New(store, retention, nil, Config{Tenants: []string{"tenant-1", "tenant-2"}}, logger.NewTestLogger())

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	require.NoError(t, svc.PurgeExpired(context.Background(), now))

	assert.Equal(t, now.AddDate(0, 0, -7), store.purgeCalls["tenant-1"])

	// Tenants without a configured tier fall back to the default
	// horizon.
	assert.Equal(t, now.AddDate(0, 0, -defaultRetentionDays), store.purgeCalls["tenant-2"])
}

func TestQueryHandler(t *testing.T) {
	store := newFakeEventStore()
	_, err := store.UpsertEvent(context.Background(), cachedEvent("ev-1"))
	require.NoError(t, err)

	svc := New(store, &fakeRetention{}, nil, Config{}, logger.NewTestLogger())
	handler := svc.QueryHandler()

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events?tenant_id=tenant-1&limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ev-1")

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events?limit=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryHandlerBadCursor(t *testing.T) {
	store := newFakeEventStore()
	store.queryErr = fmt.Errorf("%w: malformed pagination cursor", models.ErrProtocolViolation)

	svc := New(store, &fakeRetention{}, nil, Config{}, logger.NewTestLogger())

	rec := httptest.NewRecorder()
	svc.QueryHandler()(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events?cursor=garbage", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid cursor")
}
