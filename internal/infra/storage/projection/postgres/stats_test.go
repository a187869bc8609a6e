package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activityhub/event-processor/internal/infra/storage"
)

func setupStatsTest(t *testing.T) (context.Context, *statsStore, func()) {
	t.Helper()

	db, cleanup := storage.SetupTestContainer(t)
	store := NewStatsStore(db, storage.NoOpTracer())
	ctx := context.Background()

	return ctx, store, cleanup
}

func TestPGStatsStore_SeededRow(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupStatsTest(t)
	defer cleanup()

	stats, err := store.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats)

	assert.Zero(t, stats.TotalUsers)
	assert.Zero(t, stats.TotalActivities)
	assert.False(t, stats.UpdatedAt.IsZero(), "UpdatedAt should be set by the seed row")
}

func TestPGStatsStore_IncrementTotalUsersOncePerEvent(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupStatsTest(t)
	defer cleanup()

	eventID := uuid.New()

	applied, err := store.IncrementTotalUsers(ctx, eventID, "user_stats_handler")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.IncrementTotalUsers(ctx, eventID, "user_stats_handler")
	require.NoError(t, err)
	assert.False(t, applied, "replayed event should not apply twice")

	stats, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalUsers)
}

func TestPGStatsStore_IncrementTotalActivities(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupStatsTest(t)
	defer cleanup()

	applied, err := store.IncrementTotalActivities(ctx, uuid.New(), "activity_created_handler")
	require.NoError(t, err)
	assert.True(t, applied)

	stats, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalActivities)
	assert.Zero(t, stats.TotalUsers)
}

func TestPGStatsStore_LedgerIsScopedPerHandler(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupStatsTest(t)
	defer cleanup()

	eventID := uuid.New()

	applied, err := store.IncrementTotalUsers(ctx, eventID, "user_stats_handler")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.IncrementTotalActivities(ctx, eventID, "activity_created_handler")
	require.NoError(t, err)
	assert.True(t, applied, "a different handler owns its own ledger entry")

	stats, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalUsers)
	assert.Equal(t, int64(1), stats.TotalActivities)
}

func TestPGStatsStore_ConcurrentIncrementsApplyOnce(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupStatsTest(t)
	defer cleanup()

	const goroutines = 10
	eventID := uuid.New()
	results := make(chan bool, goroutines)
	errs := make(chan error, goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			applied, err := store.IncrementTotalUsers(ctx, eventID, "user_stats_handler")
			results <- applied
			errs <- err
		}()
	}

	appliedCount := 0
	for i := 0; i < goroutines; i++ {
		if <-results {
			appliedCount++
		}
		require.NoError(t, <-errs)
	}

	assert.Equal(t, 1, appliedCount, "exactly one racer should win the ledger insert")

	stats, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalUsers)
}
