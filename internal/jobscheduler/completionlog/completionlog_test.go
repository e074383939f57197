package completionlog

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/dbcdk/dataio/internal/common/database"
	"github.com/dbcdk/dataio/internal/common/dataioerrors"
	"github.com/dbcdk/dataio/internal/jobscheduler/dependencytracking"
)

var testTime = time.Date(2022, 10, 3, 12, 0, 0, 0, time.UTC)

func withPostgresLog(t *testing.T, cacheSize int, action func(log *PostgresLog, fakeClock *clock.FakeClock)) {
	migrations, err := dependencytracking.Migrations()
	require.NoError(t, err)
	err = database.WithTestDb(migrations, nil, func(db *pgxpool.Pool) error {
		fakeClock := clock.NewFakeClock(testTime)
		log, err := NewPostgresLog(db, cacheSize, fakeClock)
		require.NoError(t, err)
		action(log, fakeClock)
		return nil
	})
	require.NoError(t, err)
}

func TestNewPostgresLog_RequiresDb(t *testing.T) {
	_, err := NewPostgresLog(nil, 10, clock.NewFakeClock(testTime))
	var invalid *dataioerrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalid)
}

func TestPostgresLog_AddTwice(t *testing.T) {
	withPostgresLog(t, 10, func(log *PostgresLog, _ *clock.FakeClock) {
		ctx := context.Background()
		key := dependencytracking.NewTrackingKey(1, 2)

		ok, err := log.Contains(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, log.Add(ctx, key, 3, Succeeded))
		err = log.Add(ctx, key, 3, Failed)
		assert.True(t, dataioerrors.IsAlreadyExists(err))

		// The database rejects the key even if it isn't cached.
		log.cache.Purge()
		err = log.Add(ctx, key, 3, Succeeded)
		assert.True(t, dataioerrors.IsAlreadyExists(err))

		log.cache.Purge()
		ok, err = log.Contains(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestPostgresLog_Prune(t *testing.T) {
	withPostgresLog(t, 10, func(log *PostgresLog, fakeClock *clock.FakeClock) {
		ctx := context.Background()
		old := dependencytracking.NewTrackingKey(1, 1)
		recent := dependencytracking.NewTrackingKey(1, 2)
		require.NoError(t, log.Add(ctx, old, 1, Succeeded))
		fakeClock.Step(2 * time.Hour)
		require.NoError(t, log.Add(ctx, recent, 1, Failed))

		n, err := log.Prune(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		log.cache.Purge()
		ok, err := log.Contains(ctx, old)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = log.Contains(ctx, recent)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestPostgresLog_PeriodicCleanup(t *testing.T) {
	withPostgresLog(t, 10, func(log *PostgresLog, fakeClock *clock.FakeClock) {
		ctx, cancel := context.WithCancel(context.Background())
		key := dependencytracking.NewTrackingKey(5, 0)
		require.NoError(t, log.Add(ctx, key, 1, Succeeded))

		done := make(chan error, 1)
		go func() { done <- log.PeriodicCleanup(ctx, time.Minute, time.Hour) }()

		assert.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
		fakeClock.Step(2 * time.Hour)
		assert.Eventually(t, func() bool {
			log.cache.Purge()
			ok, err := log.Contains(context.Background(), key)
			return err == nil && !ok
		}, 5*time.Second, 10*time.Millisecond)

		cancel()
		assert.NoError(t, <-done)
	})
}

func TestMemoryLog(t *testing.T) {
	ctx := context.Background()
	log, err := NewMemoryLog(2)
	require.NoError(t, err)

	first := dependencytracking.NewTrackingKey(1, 1)
	require.NoError(t, log.Add(ctx, first, 1, Succeeded))
	assert.True(t, dataioerrors.IsAlreadyExists(log.Add(ctx, first, 1, Succeeded)))

	ok, err := log.Contains(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	// Capacity is two; the oldest entry is forgotten.
	require.NoError(t, log.Add(ctx, dependencytracking.NewTrackingKey(1, 2), 1, Succeeded))
	require.NoError(t, log.Add(ctx, dependencytracking.NewTrackingKey(1, 3), 1, Succeeded))
	ok, err = log.Contains(ctx, first)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOutcome_Valid(t *testing.T) {
	assert.True(t, Succeeded.Valid())
	assert.True(t, Failed.Valid())
	assert.False(t, Outcome("LOST").Valid())
}
