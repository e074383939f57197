package jobscheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbcdk/dataio/internal/common/dataioerrors"
	"github.com/dbcdk/dataio/internal/jobscheduler/completionlog"
	"github.com/dbcdk/dataio/internal/jobscheduler/configuration"
)

type testSinkWorker struct {
	mu         sync.Mutex
	dispatched []*DependencyTracking
	fail       bool
}

func (w *testSinkWorker) Dispatch(_ context.Context, record *DependencyTracking) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("sink unavailable")
	}
	w.dispatched = append(w.dispatched, record)
	return nil
}

func (w *testSinkWorker) keys() []TrackingKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]TrackingKey, len(w.dispatched))
	for i, record := range w.dispatched {
		keys[i] = record.Key()
	}
	return keys
}

func (w *testSinkWorker) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dispatched = nil
}

func newTestDispatcher(t *testing.T, sinks ...configuration.SinkConfig) (*testService, *Dispatcher, map[int]*testSinkWorker) {
	s := newTestService(t, sinks...)
	workers := make(map[int]SinkWorker)
	testWorkers := make(map[int]*testSinkWorker)
	for _, sink := range s.Sinks() {
		w := &testSinkWorker{}
		workers[sink.Id] = w
		testWorkers[sink.Id] = w
	}
	return s, NewDispatcher(s.Service, workers, s.clock), testWorkers
}

func TestDispatcher_RespectsSlots(t *testing.T) {
	s, d, workers := newTestDispatcher(t, configuration.SinkConfig{Id: sinkA, Name: "a", Slots: 2})
	s.mustInsert(t,
		chunk(1, 0, sinkA, "r1"),
		chunk(1, 1, sinkA, "r2"),
		chunk(1, 2, sinkA, "r3"),
	)

	n, err := d.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []TrackingKey{key(1, 0), key(1, 1)}, workers[sinkA].keys())
	assert.Equal(t, 2, s.InFlight().CountForSink(sinkA))

	// No free slots
	n, err = d.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.Complete(context.Background(), key(1, 0), completionlog.Succeeded))
	n, err = d.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []TrackingKey{key(1, 0), key(1, 1), key(1, 2)}, workers[sinkA].keys())
}

func TestDispatcher_Order(t *testing.T) {
	s, d, workers := newTestDispatcher(t)
	low := chunk(1, 0, sinkA, "r1")
	low.Priority = 1
	high := chunk(2, 0, sinkA, "r2")
	high.Priority = 7
	normal := chunk(3, 0, sinkA, "r3")
	otherNormal := chunk(0, 5, sinkA, "r4")
	s.mustInsert(t, low, high, normal, otherNormal)

	_, err := d.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []TrackingKey{key(2, 0), key(0, 5), key(3, 0), key(1, 0)}, workers[sinkA].keys())
}

func TestDispatcher_OnlyQueuedChunks(t *testing.T) {
	s, d, workers := newTestDispatcher(t)
	s.mustInsert(t,
		chunk(1, 0, sinkA, "r1"),
		chunk(2, 0, sinkA, "r1"),
		chunk(3, 0, sinkB, "r1"),
	)

	n, err := d.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []TrackingKey{key(1, 0)}, workers[sinkA].keys())
	assert.Equal(t, []TrackingKey{key(3, 0)}, workers[sinkB].keys())

	require.NoError(t, s.Complete(context.Background(), key(1, 0), completionlog.Succeeded))
	workers[sinkA].reset()
	_, err = d.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []TrackingKey{key(2, 0)}, workers[sinkA].keys())
}

func TestDispatcher_Redispatch(t *testing.T) {
	s, d, workers := newTestDispatcher(t, configuration.SinkConfig{Id: sinkA, Name: "a", Slots: 1, RedispatchTimeout: time.Minute})
	s.mustInsert(t, chunk(1, 0, sinkA, "r1"), chunk(2, 0, sinkA, "r2"))

	_, err := d.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []TrackingKey{key(1, 0)}, workers[sinkA].keys())

	s.clock.Step(30 * time.Second)
	n, err := d.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	s.clock.Step(time.Minute)
	workers[sinkA].reset()
	n, err = d.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []TrackingKey{key(1, 0)}, workers[sinkA].keys())
	assert.Equal(t, 1, s.mustGet(t, key(1, 0)).Retries)
	assert.Equal(t, 1, workers[sinkA].dispatched[0].Retries)
}

func TestDispatcher_WorkerFailure(t *testing.T) {
	s, d, workers := newTestDispatcher(t)
	s.mustInsert(t, chunk(1, 0, sinkA, "r1"), chunk(2, 0, sinkB, "r1"))
	workers[sinkA].fail = true

	n, err := d.Cycle(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, s.InFlight().Contains(key(1, 0)))
	assert.True(t, s.InFlight().Contains(key(2, 0)))

	workers[sinkA].fail = false
	n, err = d.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDispatcher_NotLeader(t *testing.T) {
	s, d, workers := newTestDispatcher(t)
	s.mustInsert(t, chunk(1, 0, sinkA, "r1"))
	s.StepDown()

	n, err := d.Cycle(context.Background())
	assert.True(t, dataioerrors.IsNotLeader(err), "unexpected error %v", err)
	assert.Equal(t, 0, n)
	assert.Empty(t, workers[sinkA].keys())
}

func TestInFlight(t *testing.T) {
	f := NewInFlight()
	f.Add(key(1, 0), sinkA, baseTime)
	f.Add(key(1, 1), sinkA, baseTime.Add(time.Minute))
	f.Add(key(2, 0), sinkB, baseTime)

	assert.Equal(t, 2, f.CountForSink(sinkA))
	assert.Equal(t, map[int]int{sinkA: 2, sinkB: 1}, f.Counts())
	assert.Equal(t, []TrackingKey{key(1, 0)}, f.DispatchedBefore(sinkA, baseTime.Add(time.Second)))

	assert.True(t, f.Remove(key(1, 0)))
	assert.False(t, f.Remove(key(1, 0)))
	assert.False(t, f.Contains(key(1, 0)))

	f.Clear()
	assert.Empty(t, f.Counts())
}

// completingSinkWorker completes every chunk before Dispatch returns.
type completingSinkWorker struct {
	service *Service
}

func (w *completingSinkWorker) Dispatch(ctx context.Context, record *DependencyTracking) error {
	return w.service.Complete(ctx, record.Key(), completionlog.Succeeded)
}

func TestDispatcher_CompletedDuringDispatch(t *testing.T) {
	s := newTestService(t, configuration.SinkConfig{Id: sinkA, Name: "a", Slots: 1})
	d := NewDispatcher(s.Service, map[int]SinkWorker{sinkA: &completingSinkWorker{service: s.Service}}, s.clock)
	s.mustInsert(t, chunk(1, 0, sinkA, "r1"), chunk(2, 0, sinkA, "r1"))

	n, err := d.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.InFlight().CountForSink(sinkA))

	// The slot is free again for the released chunk.
	n, err = d.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.InFlight().CountForSink(sinkA))
	assert.Equal(t, 0, s.mapStore.Len())
}

func TestDispatcher_AbortedJobKeepsOrder(t *testing.T) {
	s, d, workers := newTestDispatcher(t)
	s.mustInsert(t,
		chunk(1, 0, sinkA, "r1"),
		chunk(2, 0, sinkA, "r1"),
		chunk(3, 0, sinkA, "r1"),
	)
	_, err := d.Cycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []TrackingKey{key(1, 0)}, workers[sinkA].keys())

	_, err = s.RemoveJob(context.Background(), 2)
	require.NoError(t, err)
	n, err := d.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.Complete(context.Background(), key(1, 0), completionlog.Succeeded))
	workers[sinkA].reset()
	_, err = d.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []TrackingKey{key(3, 0)}, workers[sinkA].keys())
}
