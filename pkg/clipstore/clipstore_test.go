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

package clipstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard/pkg/logger"
	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/sqlitedb"
)

func newTestStore(t *testing.T, config Config, usage UsageFunc) *Store {
	t.Helper()

	pool, err := sqlitedb.Open(sqlitedb.Config{
		Path:      filepath.Join(t.TempDir(), "clips.db"),
		PoolSize:  1,
		OnConnect: Schema,
	}, logger.NewTestLogger())
	require.NoError(t, err)

	t.Cleanup(func() { _ = pool.Close() })

	if config.Dir == "" {
		config.Dir = t.TempDir()
	}

	if usage == nil {
		usage = func(string) (float64, error) { return 10, nil }
	}

	store, err := New(pool, config, usage, logger.NewTestLogger())
	require.NoError(t, err)

	return store
}

// clipCountUsage maps the number of stored clip files to a used
// percentage, so eviction visibly reduces pressure.
func clipCountUsage(base, perClip float64) UsageFunc {
	return func(path string) (float64, error) {
		entries, err := os.ReadDir(path)
		if err != nil {
			return 0, err
		}

		clips := 0

		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), ".bin") {
				clips++
			}
		}

		return base + perClip*float64(clips), nil
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t, Config{}, nil)
	ctx := context.Background()

	clip, err := store.Put(ctx, []byte("raw clip bytes"), Metadata{
		Kind:           "clip",
		SourceCameraID: "camera-7",
	})
	require.NoError(t, err)
	require.NotEmpty(t, clip.ClipRef)
	assert.Equal(t, int64(14), clip.SizeBytes)

	reader, stat, err := store.Get(ctx, clip.ClipRef)
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw clip bytes"), data)
	assert.Equal(t, "camera-7", stat.SourceCameraID)
	assert.Equal(t, models.ArchiveNotEligible, stat.ArchiveStatus)
}

func TestGetUnknownClip(t *testing.T) {
	store := newTestStore(t, Config{}, nil)

	_, _, err := store.Get(context.Background(), "no-such-clip")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestPressureEvictsOldestFirst(t *testing.T) {
	usage := clipCountUsage(65, 10)
	store := newTestStore(t, Config{
		HighWaterPercent: 90,
		LowWaterPercent:  80,
		MinRetention:     models.Duration(time.Hour),
	}, usage)
	ctx := context.Background()

	var refs []string

	for range 3 {
		clip, err := store.Put(ctx, []byte("0123456789"), Metadata{})
		require.NoError(t, err)

		refs = append(refs, clip.ClipRef)
		time.Sleep(2 * time.Millisecond)
	}

	// All clips created an hour+ ago from the sweep's perspective, so
	// none are must-keep. Usage is 95%: evict down to the low-water
	// mark, oldest first.
	sweepAt := time.Now().UTC().Add(2 * time.Hour)
	require.NoError(t, store.EvictionSweep(ctx, sweepAt))

	_, err := store.Stat(ctx, refs[0])
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Stat(ctx, refs[1])
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Stat(ctx, refs[2])
	assert.NoError(t, err)

	assert.False(t, store.RecordingPaused())
}

func TestMinRetentionPausesRecording(t *testing.T) {
	used := 95.0
	store := newTestStore(t, Config{
		HighWaterPercent: 90,
		LowWaterPercent:  80,
		MinRetention:     models.Duration(time.Hour),
	}, func(string) (float64, error) { return used, nil })
	ctx := context.Background()

	clip, err := store.Put(ctx, []byte("fresh"), Metadata{})
	require.NoError(t, err)

	// The only clip is inside the retention window: it must survive
	// the sweep, and recording must pause instead.
	require.NoError(t, store.EvictionSweep(ctx, time.Now().UTC()))
	assert.True(t, store.RecordingPaused())

	_, err = store.Stat(ctx, clip.ClipRef)
	require.NoError(t, err)

	_, err = store.Put(ctx, []byte("rejected"), Metadata{})
	require.ErrorIs(t, err, ErrRecordingPaused)
	require.ErrorIs(t, err, models.ErrResourceExhausted)

	// Pressure clears, recording resumes.
	used = 50
	require.NoError(t, store.EvictionSweep(ctx, time.Now().UTC()))
	assert.False(t, store.RecordingPaused())

	_, err = store.Put(ctx, []byte("accepted"), Metadata{})
	require.NoError(t, err)
}

func TestExpiredClipsArePurged(t *testing.T) {
	store := newTestStore(t, Config{ClipRetention: models.Duration(time.Minute)}, nil)
	ctx := context.Background()

	clip, err := store.Put(ctx, []byte("short lived"), Metadata{})
	require.NoError(t, err)

	require.NoError(t, store.EvictionSweep(ctx, time.Now().UTC().Add(2*time.Minute)))

	_, err = store.Stat(ctx, clip.ClipRef)
	require.ErrorIs(t, err, ErrNotFound)

	_, statErr := os.Stat(clip.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestArchivePendingFlow(t *testing.T) {
	store := newTestStore(t, Config{}, nil)
	ctx := context.Background()

	clip, err := store.Put(ctx, []byte("archive me"), Metadata{})
	require.NoError(t, err)

	require.NoError(t, store.MarkArchivePending(ctx, clip.ClipRef, "ev-42"))

	items, err := store.PendingArchives(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, clip.ClipRef, items[0].Clip.ClipRef)
	assert.Equal(t, "ev-42", items[0].EventID)

	found, err := store.ClipByEvent(ctx, "ev-42")
	require.NoError(t, err)
	assert.Equal(t, clip.ClipRef, found.ClipRef)

	require.NoError(t, store.SetArchiveStatus(ctx, clip.ClipRef, models.ArchiveArchived))

	items, err = store.PendingArchives(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSetArchiveStatusUnknownClip(t *testing.T) {
	store := newTestStore(t, Config{}, nil)

	err := store.SetArchiveStatus(context.Background(), "missing", models.ArchiveUploading)
	require.ErrorIs(t, err, ErrNotFound)
}
