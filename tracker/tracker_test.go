package tracker

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assistant-core/assistant-oauth/storage"
	"github.com/assistant-core/assistant-oauth/storage/memory"
)

func newTestTracker(t *testing.T) (*Tracker, *memory.Store) {
	t.Helper()

	store := memory.New(slog.Default())
	trk, err := New(Config{
		Store:         store,
		Logger:        slog.Default(),
		SweepInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(trk.Stop)
	return trk, store
}

func testInfo() ConnectionInfo {
	return ConnectionInfo{
		ClientID:       "client-1",
		User:           "alice",
		ConnectionType: storage.ConnectionTypeHTTP,
		IPAddress:      "203.0.113.9",
		UserAgent:      "assistant-client/1.0",
	}
}

func TestConnectionLifecycle(t *testing.T) {
	trk, store := newTestTracker(t)
	ctx := context.Background()

	log, err := trk.RecordConnect(ctx, testInfo())
	require.NoError(t, err)
	require.NotEmpty(t, log.ID)
	assert.Equal(t, storage.StatusConnected, log.Status)

	require.NoError(t, trk.RecordActivity(ctx, log.ID))
	require.NoError(t, trk.RecordActivity(ctx, log.ID))

	// Errors are re-enterable; the row stays open.
	require.NoError(t, trk.RecordError(ctx, log.ID, "tool call failed"))
	require.NoError(t, trk.RecordActivity(ctx, log.ID))

	require.NoError(t, trk.RecordDisconnect(ctx, log.ID))

	row, err := store.GetLog(ctx, log.ID)
	require.NoError(t, err)
	assert.True(t, row.Closed())
	assert.Equal(t, storage.StatusError, row.Status, "close preserves the Error status")
	assert.Equal(t, int64(3), row.RequestCount)
	assert.Equal(t, int64(1), row.ErrorCount)

	// A second disconnect is an error: closed rows are immutable.
	assert.ErrorIs(t, trk.RecordDisconnect(ctx, log.ID), storage.ErrLogClosed)
	assert.ErrorIs(t, trk.RecordActivity(ctx, log.ID), storage.ErrLogClosed)
}

func TestMarkTimeout(t *testing.T) {
	trk, store := newTestTracker(t)
	ctx := context.Background()

	log, err := trk.RecordConnect(ctx, testInfo())
	require.NoError(t, err)
	require.NoError(t, trk.MarkTimeout(ctx, log.ID))

	row, err := store.GetLog(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusTimeout, row.Status)
	assert.True(t, row.Closed())
}

func TestReconnectCreatesNewRow(t *testing.T) {
	trk, store := newTestTracker(t)
	ctx := context.Background()

	first, err := trk.RecordConnect(ctx, testInfo())
	require.NoError(t, err)
	require.NoError(t, trk.RecordDisconnect(ctx, first.ID))

	second, err := trk.RecordConnect(ctx, testInfo())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	logs, err := store.ListLogs(ctx)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestAcquireSession(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	first, err := trk.AcquireSession(ctx, "client-1|alice", testInfo())
	require.NoError(t, err)

	// Same session key reuses the open row.
	again, err := trk.AcquireSession(ctx, "client-1|alice", testInfo())
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// A different session gets its own row.
	other, err := trk.AcquireSession(ctx, "client-2|bob", testInfo())
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	// After release, the next acquire opens a fresh row.
	require.NoError(t, trk.ReleaseSession(ctx, "client-1|alice"))
	fresh, err := trk.AcquireSession(ctx, "client-1|alice", testInfo())
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
}

func TestAcquireSessionRecoversFromSweptRow(t *testing.T) {
	trk, store := newTestTracker(t)
	ctx := context.Background()

	first, err := trk.AcquireSession(ctx, "client-1|alice", testInfo())
	require.NoError(t, err)

	// Simulate the retention sweep removing the row underneath the session.
	_, err = store.DeleteLogsBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)

	second, err := trk.AcquireSession(ctx, "client-1|alice", testInfo())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestReleaseSessionIdempotent(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	assert.NoError(t, trk.ReleaseSession(ctx, "never-acquired"))

	_, err := trk.AcquireSession(ctx, "client-1|alice", testInfo())
	require.NoError(t, err)
	assert.NoError(t, trk.ReleaseSession(ctx, "client-1|alice"))
	assert.NoError(t, trk.ReleaseSession(ctx, "client-1|alice"))
}

func TestConcurrentActivity(t *testing.T) {
	trk, store := newTestTracker(t)
	ctx := context.Background()

	log, err := trk.RecordConnect(ctx, testInfo())
	require.NoError(t, err)

	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if err := trk.RecordActivity(ctx, log.ID); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	row, err := store.GetLog(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), row.RequestCount, "no activity record may be lost")
}

func TestStats(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	trk.now = func() time.Time { return base }

	open, err := trk.RecordConnect(ctx, testInfo())
	require.NoError(t, err)
	require.NoError(t, trk.RecordActivity(ctx, open.ID))
	require.NoError(t, trk.RecordActivity(ctx, open.ID))

	closed, err := trk.RecordConnect(ctx, testInfo())
	require.NoError(t, err)
	require.NoError(t, trk.RecordActivity(ctx, closed.ID))
	trk.now = func() time.Time { return base.Add(100 * time.Second) }
	require.NoError(t, trk.RecordDisconnect(ctx, closed.ID))

	stats, err := trk.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, 2, stats.ConnectionsToday)
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.InDelta(t, 100.0, stats.AverageDurationSeconds, 0.001)
}

func TestSweep(t *testing.T) {
	store := memory.New(slog.Default())
	trk, err := New(Config{
		Store:         store,
		Logger:        slog.Default(),
		SweepInterval: time.Hour,
		RetentionDays: func() int { return 30 },
	})
	require.NoError(t, err)
	t.Cleanup(trk.Stop)
	ctx := context.Background()

	now := time.Now()
	expired := &storage.ConnectionLog{
		ID:          "expired",
		ClientID:    "client-1",
		Status:      storage.StatusDisconnected,
		ConnectedAt: now.AddDate(0, 0, -31),
	}
	require.NoError(t, store.CreateLog(ctx, expired))
	// Old rows are swept regardless of status, open ones included.
	expiredOpen := &storage.ConnectionLog{
		ID:          "expired-open",
		ClientID:    "client-1",
		Status:      storage.StatusConnected,
		ConnectedAt: now.AddDate(0, 0, -31),
	}
	require.NoError(t, store.CreateLog(ctx, expiredOpen))
	recent := &storage.ConnectionLog{
		ID:          "recent",
		ClientID:    "client-1",
		Status:      storage.StatusConnected,
		ConnectedAt: now.Add(-time.Hour),
	}
	require.NoError(t, store.CreateLog(ctx, recent))

	removed, err := trk.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.GetLog(ctx, "expired")
	assert.ErrorIs(t, err, storage.ErrLogNotFound)
	_, err = store.GetLog(ctx, "recent")
	assert.NoError(t, err)
}

func TestStopIdempotent(t *testing.T) {
	trk, _ := newTestTracker(t)
	trk.Stop()
	trk.Stop()
}
