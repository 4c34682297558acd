/*
 * Copyright 2025 OpenHearth Contributors.
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

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openhearth/fleetconsole/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "history", "console.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStore_UpdateLifecycleRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	triggered := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	resolved := triggered.Add(90 * time.Second)

	require.NoError(t, store.UpdateTriggered(ctx, "attempt-1", "kitchen-01", "1.2.0", triggered))
	require.NoError(t, store.UpdateResolved(ctx, "attempt-1", "kitchen-01", models.UpdateFailed, "flash write error", "1.2.0", resolved))

	records, err := store.RecentUpdates(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "attempt-1", rec.AttemptID)
	assert.Equal(t, "kitchen-01", rec.DeviceID)
	assert.Equal(t, "1.2.0", rec.FromVersion)
	assert.Equal(t, string(models.UpdateFailed), rec.Outcome)
	assert.Equal(t, "flash write error", rec.Error)
	require.NotNil(t, rec.ResolvedAt)
	assert.True(t, rec.ResolvedAt.Equal(resolved))
}

func TestStore_ResolveWithoutTriggerInsertsRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Attempts first observed mid-flight have no trigger row; the
	// inserted row still carries the reporting device.
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateResolved(ctx, "attempt-ext", "den-02", models.UpdateUpToDate, "", "1.3.0", at))

	records, err := store.RecentUpdates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "attempt-ext", records[0].AttemptID)
	assert.Equal(t, string(models.UpdateUpToDate), records[0].Outcome)
	assert.Equal(t, "1.3.0", records[0].ToVersion)
	assert.Equal(t, "den-02", records[0].DeviceID)
}

func TestStore_RecentUpdatesNewestFirstWithLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.UpdateTriggered(ctx, id, "kitchen-01", "1.2.0", base.Add(time.Duration(i)*time.Minute)))
	}

	records, err := store.RecentUpdates(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c", records[0].AttemptID)
	assert.Equal(t, "b", records[1].AttemptID)
}

func TestStore_SyncSessionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(30 * time.Second)

	require.NoError(t, store.SyncSessionFinished(ctx, "session-1", "converged", 4, 0, started, finished))
	require.NoError(t, store.SyncSessionFinished(ctx, "session-2", "timeout", 15, 2, started.Add(time.Minute), finished.Add(time.Minute)))

	records, err := store.RecentSyncSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "session-2", records[0].SessionID)
	assert.Equal(t, "timeout", records[0].Result)
	assert.Equal(t, 15, records[0].Polls)
	assert.Equal(t, 2, records[0].FailedCount)

	assert.Equal(t, "session-1", records[1].SessionID)
	assert.True(t, records[1].StartedAt.Equal(started))
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "console.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.UpdateTriggered(ctx, "attempt-1", "kitchen-01", "1.2.0", time.Now().UTC()))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	records, err := reopened.RecentUpdates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "attempt-1", records[0].AttemptID)
}
