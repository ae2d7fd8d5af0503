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

// Package clipstore owns raw clips and snapshots on the edge device's
// local disk. Clip bytes are written as plain files; an SQLite index
// tracks metadata and archive status. Eviction deletes oldest clips
// first under disk pressure, but never clips inside the minimum
// retention window; when must-keep clips alone exceed the pressure
// threshold, recording pauses instead of losing data.
package clipstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/vzahanych/view-guard/pkg/logger"
	"github.com/vzahanych/view-guard/pkg/metrics"
	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/sqlitedb"
)

var (
	ErrNotFound        = fmt.Errorf("%w: clip", models.ErrNotFound)
	ErrRecordingPaused = fmt.Errorf("%w: recording paused under disk pressure", models.ErrResourceExhausted)
)

const (
	defaultHighWaterPercent = 90.0
	defaultLowWaterPercent  = 80.0
	defaultMinRetention     = time.Hour
	defaultSweepInterval    = time.Minute
	defaultClipRetention    = 7 * 24 * time.Hour
)

// Schema creates the clip index table on a fresh connection.
func Schema(conn *sqlite.Conn) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS clips (
	clip_ref         TEXT PRIMARY KEY,
	path             TEXT NOT NULL,
	kind             TEXT NOT NULL,
	size_bytes       INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	retain_until     INTEGER NOT NULL,
	archive_status   TEXT NOT NULL,
	source_camera_id TEXT NOT NULL DEFAULT '',
	event_id         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_clips_created ON clips (created_at);
CREATE INDEX IF NOT EXISTS idx_clips_archive ON clips (archive_status);`

	return sqlitex.ExecuteScript(conn, ddl, nil)
}

// UsageFunc reports used disk percentage for the store directory.
// Injectable for tests; production uses gopsutil.
type UsageFunc func(path string) (float64, error)

// DiskUsage is the default UsageFunc.
func DiskUsage(path string) (float64, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("clipstore: disk usage: %w", err)
	}

	return stat.UsedPercent, nil
}

// Config tunes storage location and eviction behavior.
type Config struct {
	Dir              string          `json:"dir"`
	HighWaterPercent float64         `json:"high_water_percent"`
	LowWaterPercent  float64         `json:"low_water_percent"`
	MinRetention     models.Duration `json:"min_retention"`
	ClipRetention    models.Duration `json:"clip_retention"`
	SweepInterval    models.Duration `json:"sweep_interval"`
}

func (c *Config) SetDefaults() {
	if c.HighWaterPercent == 0 {
		c.HighWaterPercent = defaultHighWaterPercent
	}

	if c.LowWaterPercent == 0 {
		c.LowWaterPercent = defaultLowWaterPercent
	}

	if c.MinRetention == 0 {
		c.MinRetention = models.Duration(defaultMinRetention)
	}

	if c.ClipRetention == 0 {
		c.ClipRetention = models.Duration(defaultClipRetention)
	}

	if c.SweepInterval == 0 {
		c.SweepInterval = models.Duration(defaultSweepInterval)
	}
}

// Store is the file-backed clip store with its SQLite index.
type Store struct {
	pool    *sqlitedb.Pool
	config  Config
	logger  logger.Logger
	usage   UsageFunc
	paused  atomic.Bool
	trigger chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

// New creates a store rooted at config.Dir. The directory is created if
// missing. Pass nil usage to use the real disk.
func New(pool *sqlitedb.Pool, config Config, usage UsageFunc, log logger.Logger) (*Store, error) {
	config.SetDefaults()

	if config.Dir == "" {
		return nil, fmt.Errorf("clipstore: dir is required")
	}

	if err := os.MkdirAll(config.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("clipstore: create dir: %w", err)
	}

	if usage == nil {
		usage = DiskUsage
	}

	return &Store{
		pool:    pool,
		config:  config,
		logger:  log,
		usage:   usage,
		trigger: make(chan struct{}, 1),
	}, nil
}

// Metadata describes a clip being stored.
type Metadata struct {
	Kind           string
	SourceCameraID string
	RetainUntil    time.Time // zero means now + ClipRetention
}

// Put writes clip bytes to disk and indexes them, returning the clip.
// Fails with ErrRecordingPaused while eviction backpressure is active:
// pausing new recording is the deliberate alternative to deleting
// must-keep clips.
func (s *Store) Put(ctx context.Context, data []byte, meta Metadata) (*models.Clip, error) {
	if s.paused.Load() {
		return nil, ErrRecordingPaused
	}

	now := time.Now().UTC()

	retainUntil := meta.RetainUntil
	if retainUntil.IsZero() {
		retainUntil = now.Add(time.Duration(s.config.ClipRetention))
	}

	kind := meta.Kind
	if kind == "" {
		kind = "clip"
	}

	clip := &models.Clip{
		ClipRef:        uuid.New().String(),
		Kind:           kind,
		SizeBytes:      int64(len(data)),
		CreatedAt:      now,
		RetainUntil:    retainUntil,
		ArchiveStatus:  models.ArchiveNotEligible,
		SourceCameraID: meta.SourceCameraID,
	}
	clip.Path = filepath.Join(s.config.Dir, clip.ClipRef+".bin")

	if err := os.WriteFile(clip.Path, data, 0o600); err != nil {
		return nil, fmt.Errorf("clipstore: write clip: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		_ = os.Remove(clip.Path)
		return nil, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
INSERT INTO clips (clip_ref, path, kind, size_bytes, created_at, retain_until, archive_status, source_camera_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			clip.ClipRef, clip.Path, clip.Kind, clip.SizeBytes,
			clip.CreatedAt.UnixMilli(), clip.RetainUntil.UnixMilli(),
			string(clip.ArchiveStatus), clip.SourceCameraID,
		},
	})
	if err != nil {
		_ = os.Remove(clip.Path)
		return nil, fmt.Errorf("clipstore: index clip: %w", err)
	}

	return clip, nil
}

// Get opens a clip for reading. Returns ErrNotFound if the clip was
// never stored or has been evicted.
func (s *Store) Get(ctx context.Context, clipRef string) (io.ReadCloser, *models.Clip, error) {
	clip, err := s.Stat(ctx, clipRef)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(clip.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, clipRef)
		}

		return nil, nil, fmt.Errorf("clipstore: open clip: %w", err)
	}

	return f, clip, nil
}

// Stat returns clip metadata without opening the file.
func (s *Store) Stat(ctx context.Context, clipRef string) (*models.Clip, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var clip *models.Clip

	err = sqlitex.Execute(conn, `
SELECT clip_ref, path, kind, size_bytes, created_at, retain_until, archive_status, source_camera_id
FROM clips WHERE clip_ref = ?`, &sqlitex.ExecOptions{
		Args: []any{clipRef},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			clip = scanClip(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clipstore: stat clip: %w", err)
	}

	if clip == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, clipRef)
	}

	return clip, nil
}

// SetArchiveStatus annotates a clip with its position in the archival
// pipeline.
func (s *Store) SetArchiveStatus(ctx context.Context, clipRef string, status models.ArchiveStatus) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
UPDATE clips SET archive_status = ? WHERE clip_ref = ?`, &sqlitex.ExecOptions{
		Args: []any{string(status), clipRef},
	})
	if err != nil {
		return fmt.Errorf("clipstore: set archive status: %w", err)
	}

	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, clipRef)
	}

	return nil
}

// ArchiveItem pairs a clip awaiting archival with the event it belongs
// to.
type ArchiveItem struct {
	Clip    *models.Clip
	EventID string
}

// MarkArchivePending binds a clip to its event and queues it for the
// archive submitter.
func (s *Store) MarkArchivePending(ctx context.Context, clipRef, eventID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
UPDATE clips SET archive_status = ?, event_id = ? WHERE clip_ref = ?`, &sqlitex.ExecOptions{
		Args: []any{string(models.ArchivePending), eventID, clipRef},
	})
	if err != nil {
		return fmt.Errorf("clipstore: mark archive pending: %w", err)
	}

	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, clipRef)
	}

	return nil
}

// PendingArchives lists clips waiting for archival, oldest first.
func (s *Store) PendingArchives(ctx context.Context, limit int) ([]*ArchiveItem, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var items []*ArchiveItem

	err = sqlitex.Execute(conn, `
SELECT clip_ref, path, kind, size_bytes, created_at, retain_until, archive_status, source_camera_id, event_id
FROM clips WHERE archive_status = ?
ORDER BY created_at ASC LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{string(models.ArchivePending), limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			items = append(items, &ArchiveItem{
				Clip:    scanClip(stmt),
				EventID: stmt.ColumnText(8),
			})

			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clipstore: pending archives: %w", err)
	}

	return items, nil
}

// RecordingPaused reports whether backpressure is currently active.
// Exposed as a telemetry signal.
func (s *Store) RecordingPaused() bool {
	return s.paused.Load()
}

// Usage reports current disk usage for the store directory.
func (s *Store) Usage() (float64, error) {
	return s.usage(s.config.Dir)
}

// ClipByEvent resolves the clip bound to an event, used by the stream
// server.
func (s *Store) ClipByEvent(ctx context.Context, eventID string) (*models.Clip, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var clip *models.Clip

	err = sqlitex.Execute(conn, `
SELECT clip_ref, path, kind, size_bytes, created_at, retain_until, archive_status, source_camera_id
FROM clips WHERE event_id = ? LIMIT 1`, &sqlitex.ExecOptions{
		Args: []any{eventID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			clip = scanClip(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clipstore: clip by event: %w", err)
	}

	if clip == nil {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, eventID)
	}

	return clip, nil
}

// TriggerSweep requests an immediate eviction sweep, used by the
// low-disk-space signal. Non-blocking; coalesces with a pending sweep.
func (s *Store) TriggerSweep() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start runs the periodic eviction sweeper until Stop.
func (s *Store) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	if err := s.EvictionSweep(ctx, time.Now().UTC()); err != nil {
		s.logger.Error().Err(err).Msg("Initial eviction sweep failed")
	}

	go s.sweepLoop(runCtx)

	return nil
}

// Stop halts the sweeper.
func (s *Store) Stop(ctx context.Context) error {
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

func (s *Store) sweepLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(time.Duration(s.config.SweepInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}

		if err := s.EvictionSweep(ctx, time.Now().UTC()); err != nil {
			s.logger.Error().Err(err).Msg("Eviction sweep failed")
		}
	}
}

// EvictionSweep deletes expired clips, then deletes oldest clips while
// disk usage exceeds the high-water mark, stopping at the low-water
// mark or at the minimum-retention floor. If the floor is reached and
// usage still exceeds the high-water mark, recording pauses until a
// later sweep clears it.
func (s *Store) EvictionSweep(ctx context.Context, now time.Time) error {
	if err := s.purgeExpired(ctx, now); err != nil {
		return err
	}

	used, err := s.usage(s.config.Dir)
	if err != nil {
		return err
	}

	metrics.DiskUsedPercent.Set(used)

	if used > s.config.HighWaterPercent {
		used, err = s.evictForPressure(ctx, now, used)
		if err != nil {
			return err
		}
	}

	s.setPaused(used > s.config.HighWaterPercent)

	return nil
}

func (s *Store) evictForPressure(ctx context.Context, now time.Time, used float64) (float64, error) {
	floor := now.Add(-time.Duration(s.config.MinRetention)).UnixMilli()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return used, err
	}
	defer s.pool.Put(conn)

	for used > s.config.LowWaterPercent {
		var victim *models.Clip

		// Clips created inside the minimum retention window are
		// must-keep and excluded from pressure eviction.
		err = sqlitex.Execute(conn, `
SELECT clip_ref, path, kind, size_bytes, created_at, retain_until, archive_status, source_camera_id
FROM clips WHERE created_at < ?
ORDER BY created_at ASC LIMIT 1`, &sqlitex.ExecOptions{
			Args: []any{floor},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				victim = scanClip(stmt)
				return nil
			},
		})
		if err != nil {
			return used, fmt.Errorf("clipstore: select eviction victim: %w", err)
		}

		if victim == nil {
			break
		}

		if err := s.deleteClip(conn, victim, "disk_pressure"); err != nil {
			return used, err
		}

		used, err = s.usage(s.config.Dir)
		if err != nil {
			return used, err
		}
	}

	metrics.DiskUsedPercent.Set(used)

	return used, nil
}

func (s *Store) purgeExpired(ctx context.Context, now time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	var expired []*models.Clip

	err = sqlitex.Execute(conn, `
SELECT clip_ref, path, kind, size_bytes, created_at, retain_until, archive_status, source_camera_id
FROM clips WHERE retain_until <= ?`, &sqlitex.ExecOptions{
		Args: []any{now.UnixMilli()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			expired = append(expired, scanClip(stmt))
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("clipstore: select expired: %w", err)
	}

	for _, clip := range expired {
		if err := s.deleteClip(conn, clip, "retention_expired"); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) deleteClip(conn *sqlite.Conn, clip *models.Clip, reason string) error {
	if err := os.Remove(clip.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clipstore: remove clip file: %w", err)
	}

	err := sqlitex.Execute(conn, `DELETE FROM clips WHERE clip_ref = ?`, &sqlitex.ExecOptions{
		Args: []any{clip.ClipRef},
	})
	if err != nil {
		return fmt.Errorf("clipstore: deindex clip: %w", err)
	}

	metrics.ClipsEvicted.WithLabelValues(reason).Inc()
	s.logger.Info().
		Str("clip_ref", clip.ClipRef).
		Str("reason", reason).
		Int64("size_bytes", clip.SizeBytes).
		Time("created_at", clip.CreatedAt).
		Msg("Clip evicted")

	return nil
}

func (s *Store) setPaused(paused bool) {
	was := s.paused.Swap(paused)
	if was == paused {
		return
	}

	if paused {
		metrics.RecordingPaused.Set(1)
		s.logger.Warn().Msg("Recording paused: must-keep clips exceed disk pressure threshold")
	} else {
		metrics.RecordingPaused.Set(0)
		s.logger.Info().Msg("Recording resumed: disk pressure cleared")
	}
}

func scanClip(stmt *sqlite.Stmt) *models.Clip {
	return &models.Clip{
		ClipRef:        stmt.ColumnText(0),
		Path:           stmt.ColumnText(1),
		Kind:           stmt.ColumnText(2),
		SizeBytes:      stmt.ColumnInt64(3),
		CreatedAt:      time.UnixMilli(stmt.ColumnInt64(4)).UTC(),
		RetainUntil:    time.UnixMilli(stmt.ColumnInt64(5)).UTC(),
		ArchiveStatus:  models.ArchiveStatus(stmt.ColumnText(6)),
		SourceCameraID: stmt.ColumnText(7),
	}
}
