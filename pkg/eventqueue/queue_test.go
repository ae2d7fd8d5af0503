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

package eventqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard/pkg/logger"
	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/sqlitedb"
)

func newTestQueue(t *testing.T, config Config) *Queue {
	t.Helper()

	pool, err := sqlitedb.Open(sqlitedb.Config{
		Path:      filepath.Join(t.TempDir(), "queue.db"),
		PoolSize:  1,
		OnConnect: Schema,
	}, logger.NewTestLogger())
	require.NoError(t, err)

	t.Cleanup(func() { _ = pool.Close() })

	return New(pool, config, logger.NewTestLogger())
}

func testEvent(id string) *models.Event {
	now := time.Now().UTC()

	return &models.Event{
		EventID:   id,
		TenantID:  "tenant-1",
		DeviceID:  "device-1",
		CameraID:  "camera-1",
		Category:  "person",
		Severity:  models.SeverityWarning,
		StartedAt: now.Add(-time.Minute),
		EndedAt:   now,
		CreatedAt: now,
	}
}

func TestEnqueueAndClaim(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEvent("ev-1")))
	require.NoError(t, q.Enqueue(ctx, testEvent("ev-2")))

	// Enqueue stamps eligibility with its own clock, so claim from a
	// point safely after both inserts.
	now := time.Now().UTC().Add(time.Second)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	batch, err := q.NextBatch(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.ElementsMatch(t, []string{"ev-1", "ev-2"},
		[]string{batch[0].EventID, batch[1].EventID})

	// Claimed events are in flight, not eligible for another claim.
	again, err := q.NextBatch(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	status, err := q.Status(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventDeliveryInFlight, status)
}

func TestEnqueueDuplicateIsIgnored(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEvent("ev-1")))
	require.NoError(t, q.Enqueue(ctx, testEvent("ev-1")))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestEnqueueFullQueue(t *testing.T) {
	q := newTestQueue(t, Config{MaxSize: 1})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEvent("ev-1")))

	err := q.Enqueue(ctx, testEvent("ev-2"))
	require.ErrorIs(t, err, ErrQueueFull)
	require.ErrorIs(t, err, models.ErrResourceExhausted)
}

func TestAckIsTerminal(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEvent("ev-1")))

	now := time.Now().UTC().Add(time.Second)

	_, err := q.NextBatch(ctx, now, 1)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, "ev-1"))

	status, err := q.Status(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventDeliveryAcked, status)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestFailRequeuesWithBackoff(t *testing.T) {
	q := newTestQueue(t, Config{BaseBackoff: models.Duration(time.Minute)})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEvent("ev-1")))

	now := time.Now().UTC().Add(time.Second)

	_, err := q.NextBatch(ctx, now, 1)
	require.NoError(t, err)

	permanent, err := q.Fail(ctx, "ev-1", now, errors.New("connection reset"))
	require.NoError(t, err)
	assert.False(t, permanent)

	// Not yet due: the retry is a full backoff away.
	batch, err := q.NextBatch(ctx, now.Add(30*time.Second), 1)
	require.NoError(t, err)
	assert.Empty(t, batch)

	batch, err = q.NextBatch(ctx, now.Add(2*time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "ev-1", batch[0].EventID)
}

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	q := newTestQueue(t, Config{
		BaseBackoff: models.Duration(time.Second),
		MaxBackoff:  models.Duration(5 * time.Second),
	})

	assert.Equal(t, time.Second, q.backoff(1))
	assert.Equal(t, 2*time.Second, q.backoff(2))
	assert.Equal(t, 4*time.Second, q.backoff(3))
	assert.Equal(t, 5*time.Second, q.backoff(4))
	assert.Equal(t, 5*time.Second, q.backoff(10))
}

func TestFailParksAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t, Config{MaxAttempts: 2, BaseBackoff: models.Duration(time.Millisecond)})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEvent("ev-1")))

	now := time.Now().UTC().Add(time.Second)

	_, err := q.NextBatch(ctx, now, 1)
	require.NoError(t, err)

	permanent, err := q.Fail(ctx, "ev-1", now, errors.New("timeout"))
	require.NoError(t, err)
	assert.False(t, permanent)

	_, err = q.NextBatch(ctx, now.Add(time.Second), 1)
	require.NoError(t, err)

	permanent, err = q.Fail(ctx, "ev-1", now, errors.New("timeout"))
	require.NoError(t, err)
	assert.True(t, permanent)

	status, err := q.Status(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, models.EventDeliveryFailedPerman, status)

	// Parked events never come back on their own.
	batch, err := q.NextBatch(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestRecoverReturnsInFlightToQueue(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testEvent("ev-1")))
	require.NoError(t, q.Enqueue(ctx, testEvent("ev-2")))

	now := time.Now().UTC().Add(time.Second)

	_, err := q.NextBatch(ctx, now, 2)
	require.NoError(t, err)

	recovered, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	batch, err := q.NextBatch(ctx, now, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestFailUnknownEvent(t *testing.T) {
	q := newTestQueue(t, Config{})

	_, err := q.Fail(context.Background(), "nope", time.Now(), errors.New("x"))
	require.Error(t, err)
}
