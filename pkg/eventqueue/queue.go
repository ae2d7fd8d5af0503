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

// Package eventqueue is the edge device's durable delivery queue. Every
// event moves QUEUED → IN_FLIGHT → ACKED, or back to QUEUED with
// exponential backoff on a send failure, until a capped attempt count
// parks it as FAILED_PERMANENT. The queue survives process restarts;
// rows are only ever dropped after an explicit terminal status.
package eventqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/vzahanych/view-guard/pkg/logger"
	"github.com/vzahanych/view-guard/pkg/metrics"
	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/sqlitedb"
)

const (
	defaultMaxAttempts = 8
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 5 * time.Minute
)

var (
	ErrQueueFull = fmt.Errorf("%w: event queue full", models.ErrResourceExhausted)
	errNotQueued = errors.New("eventqueue: event not in queue")
)

// Schema creates the queue table on a fresh connection.
func Schema(conn *sqlite.Conn) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS event_queue (
	event_id        TEXT PRIMARY KEY,
	payload         TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_queue_dispatch
	ON event_queue (status, next_attempt_at);`

	return sqlitex.ExecuteScript(conn, ddl, nil)
}

// Config tunes retry behavior and the queue bound.
type Config struct {
	MaxAttempts int             `json:"max_attempts"`
	BaseBackoff models.Duration `json:"base_backoff"`
	MaxBackoff  models.Duration `json:"max_backoff"`
	MaxSize     int             `json:"max_size"` // 0 = unbounded
}

func (c *Config) SetDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}

	if c.BaseBackoff == 0 {
		c.BaseBackoff = models.Duration(defaultBaseBackoff)
	}

	if c.MaxBackoff == 0 {
		c.MaxBackoff = models.Duration(defaultMaxBackoff)
	}
}

// Queue is the durable event delivery queue.
type Queue struct {
	pool   *sqlitedb.Pool
	config Config
	logger logger.Logger
}

// New creates a queue over an open pool. Call Recover once at startup
// to return crashed in-flight events to the queue.
func New(pool *sqlitedb.Pool, config Config, log logger.Logger) *Queue {
	config.SetDefaults()

	return &Queue{
		pool:   pool,
		config: config,
		logger: log,
	}
}

// Enqueue makes an event durable and eligible for delivery. Duplicate
// event ids are ignored so a crashed producer can safely replay.
func (q *Queue) Enqueue(ctx context.Context, event *models.Event) error {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer q.pool.Put(conn)

	if q.config.MaxSize > 0 {
		depth, err := depthLocked(conn)
		if err != nil {
			return err
		}

		if depth >= q.config.MaxSize {
			return ErrQueueFull
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventqueue: marshal event: %w", err)
	}

	now := time.Now().UnixMilli()

	err = sqlitex.Execute(conn, `
INSERT INTO event_queue (event_id, payload, status, attempts, next_attempt_at, created_at, updated_at)
VALUES (?, ?, ?, 0, ?, ?, ?)
ON CONFLICT (event_id) DO NOTHING`, &sqlitex.ExecOptions{
		Args: []any{event.EventID, string(payload), string(models.EventDeliveryQueued), now, now, now},
	})
	if err != nil {
		return fmt.Errorf("eventqueue: enqueue: %w", err)
	}

	q.publishDepth(conn)
	q.logger.Debug().Str("event_id", event.EventID).Msg("Event enqueued")

	return nil
}

// NextBatch atomically claims up to limit due events, moving them to
// IN_FLIGHT. Events are claimed oldest-first.
func (q *Queue) NextBatch(ctx context.Context, now time.Time, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 10
	}

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer q.pool.Put(conn)

	var events []*models.Event

	done, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("eventqueue: begin claim: %w", err)
	}
	defer done(&err)

	var ids []string

	err = sqlitex.Execute(conn, `
SELECT event_id, payload FROM event_queue
WHERE status = ? AND next_attempt_at <= ?
ORDER BY created_at ASC
LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{string(models.EventDeliveryQueued), now.UnixMilli(), limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var event models.Event
			if err := json.Unmarshal([]byte(stmt.ColumnText(1)), &event); err != nil {
				return fmt.Errorf("eventqueue: decode event %s: %w", stmt.ColumnText(0), err)
			}

			ids = append(ids, stmt.ColumnText(0))
			events = append(events, &event)

			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		err = sqlitex.Execute(conn, `
UPDATE event_queue SET status = ?, updated_at = ? WHERE event_id = ?`, &sqlitex.ExecOptions{
			Args: []any{string(models.EventDeliveryInFlight), now.UnixMilli(), id},
		})
		if err != nil {
			return nil, fmt.Errorf("eventqueue: claim %s: %w", id, err)
		}
	}

	return events, nil
}

// Ack records a successful delivery. The row is kept with terminal
// status so reconciliation can audit what was delivered.
func (q *Queue) Ack(ctx context.Context, eventID string) error {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer q.pool.Put(conn)

	err = sqlitex.Execute(conn, `
UPDATE event_queue SET status = ?, updated_at = ? WHERE event_id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(models.EventDeliveryAcked), time.Now().UnixMilli(), eventID},
	})
	if err != nil {
		return fmt.Errorf("eventqueue: ack %s: %w", eventID, err)
	}

	metrics.EventsDelivered.WithLabelValues("acked").Inc()
	q.publishDepth(conn)

	return nil
}

// Fail records a delivery failure. The event is re-queued with
// exponential backoff until the attempt cap, after which it is parked
// as FAILED_PERMANENT and the failure is logged, never silently
// dropped. Returns true when the event reached its terminal state.
func (q *Queue) Fail(ctx context.Context, eventID string, now time.Time, cause error) (permanent bool, err error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer q.pool.Put(conn)

	attempts := -1

	err = sqlitex.Execute(conn, `
SELECT attempts FROM event_queue WHERE event_id = ?`, &sqlitex.ExecOptions{
		Args: []any{eventID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			attempts = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("eventqueue: lookup %s: %w", eventID, err)
	}

	if attempts < 0 {
		return false, fmt.Errorf("%w: %s", errNotQueued, eventID)
	}

	attempts++

	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}

	if attempts >= q.config.MaxAttempts {
		err = sqlitex.Execute(conn, `
UPDATE event_queue SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE event_id = ?`, &sqlitex.ExecOptions{
			Args: []any{string(models.EventDeliveryFailedPerman), attempts, causeText, now.UnixMilli(), eventID},
		})
		if err != nil {
			return false, fmt.Errorf("eventqueue: park %s: %w", eventID, err)
		}

		metrics.EventsDelivered.WithLabelValues("failed_permanent").Inc()
		q.publishDepth(conn)
		q.logger.Error().
			Str("event_id", eventID).
			Int("attempts", attempts).
			Str("last_error", causeText).
			Msg("Event exceeded max delivery attempts, parked as failed")

		return true, nil
	}

	delay := q.backoff(attempts)

	err = sqlitex.Execute(conn, `
UPDATE event_queue SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
WHERE event_id = ?`, &sqlitex.ExecOptions{
		Args: []any{
			string(models.EventDeliveryQueued), attempts, causeText,
			now.Add(delay).UnixMilli(), now.UnixMilli(), eventID,
		},
	})
	if err != nil {
		return false, fmt.Errorf("eventqueue: requeue %s: %w", eventID, err)
	}

	metrics.DeliveryRetries.Inc()
	q.logger.Warn().
		Str("event_id", eventID).
		Int("attempts", attempts).
		Dur("retry_in", delay).
		Str("cause", causeText).
		Msg("Event delivery failed, re-queued")

	return false, nil
}

// Recover returns crashed IN_FLIGHT events to the queue. Run once at
// startup, before the delivery loop starts.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer q.pool.Put(conn)

	err = sqlitex.Execute(conn, `
UPDATE event_queue SET status = ?, updated_at = ? WHERE status = ?`, &sqlitex.ExecOptions{
		Args: []any{string(models.EventDeliveryQueued), time.Now().UnixMilli(), string(models.EventDeliveryInFlight)},
	})
	if err != nil {
		return 0, fmt.Errorf("eventqueue: recover: %w", err)
	}

	recovered := conn.Changes()
	if recovered > 0 {
		q.logger.Info().Int("count", recovered).Msg("Recovered in-flight events after restart")
	}

	q.publishDepth(conn)

	return recovered, nil
}

// Depth reports how many events still need delivery (queued plus
// in-flight). Exposed as a telemetry signal for health monitoring.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer q.pool.Put(conn)

	return depthLocked(conn)
}

// Status returns the delivery status of one event.
func (q *Queue) Status(ctx context.Context, eventID string) (models.EventDeliveryStatus, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer q.pool.Put(conn)

	status := models.EventDeliveryStatus("")

	err = sqlitex.Execute(conn, `
SELECT status FROM event_queue WHERE event_id = ?`, &sqlitex.ExecOptions{
		Args: []any{eventID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			status = models.EventDeliveryStatus(stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return "", err
	}

	if status == "" {
		return "", fmt.Errorf("%w: %s", errNotQueued, eventID)
	}

	return status, nil
}

func (q *Queue) backoff(attempts int) time.Duration {
	delay := time.Duration(q.config.BaseBackoff)
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= time.Duration(q.config.MaxBackoff) {
			return time.Duration(q.config.MaxBackoff)
		}
	}

	return delay
}

func (q *Queue) publishDepth(conn *sqlite.Conn) {
	depth, err := depthLocked(conn)
	if err != nil {
		return
	}

	metrics.QueueDepth.Set(float64(depth))
}

func depthLocked(conn *sqlite.Conn) (int, error) {
	depth := 0

	err := sqlitex.Execute(conn, `
SELECT COUNT(*) FROM event_queue WHERE status IN (?, ?)`, &sqlitex.ExecOptions{
		Args: []any{string(models.EventDeliveryQueued), string(models.EventDeliveryInFlight)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			depth = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("eventqueue: depth: %w", err)
	}

	return depth, nil
}
