package jobscheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbcdk/dataio/internal/jobscheduler/dependencytracking"
)

func TestScheduler_Cycle(t *testing.T) {
	s, d, workers := newTestDispatcher(t)
	s.StepDown()
	require.NoError(t, s.mapStore.Store(context.Background(), dependencytracking.New(key(1, 0), sinkA, 0)))
	sched := NewScheduler(s.Service, d, s.leaderController, time.Second, s.clock)

	// A leader whose store isn't active yet loads it before dispatching.
	assert.True(t, sched.cycle(context.Background()))
	assert.True(t, s.IsActive())
	assert.Equal(t, []TrackingKey{key(1, 0)}, workers[sinkA].keys())

	// Losing leadership stops dispatching.
	s.leaderController.token = InvalidLeaderToken()
	s.onStoppedLeading()
	workers[sinkA].reset()
	assert.False(t, sched.cycle(context.Background()))
	assert.False(t, s.IsActive())
	assert.Empty(t, workers[sinkA].keys())
	s.mustInsertFails(t, chunk(2, 0, sinkA, "r2"))

	// On becoming leader again chunks in flight are dispatched anew.
	s.leaderController.token = NewLeaderToken()
	s.onStartedLeading(context.Background(), s.leaderController.GetToken())
	assert.True(t, sched.cycle(context.Background()))
	assert.Equal(t, []TrackingKey{key(1, 0)}, workers[sinkA].keys())
}

func TestScheduler_Run(t *testing.T) {
	s, d, workers := newTestDispatcher(t)
	sched := NewScheduler(s.Service, d, s.leaderController, time.Second, s.clock)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- sched.Run(ctx) }()

	s.mustInsert(t, chunk(1, 0, sinkA, "r1"))
	assert.Eventually(t, func() bool {
		if s.clock.HasWaiters() {
			s.clock.Step(time.Second)
		}
		return len(workers[sinkA].keys()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler didn't stop")
	}
}

func (s *testService) mustInsertFails(t *testing.T, c ChunkDescriptor) {
	_, err := s.Insert(context.Background(), c)
	require.Error(t, err)
}
