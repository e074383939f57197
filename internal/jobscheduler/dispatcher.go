package jobscheduler

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/dbcdk/dataio/internal/common/dataioerrors"
	"github.com/dbcdk/dataio/internal/jobscheduler/configuration"
	"github.com/dbcdk/dataio/internal/jobscheduler/dependencytracking"
)

// SinkWorker hands a chunk over to the sink processing it.
type SinkWorker interface {
	Dispatch(ctx context.Context, record *DependencyTracking) error
}

type inFlightEntry struct {
	sinkId     int
	dispatched time.Time
}

// InFlight is the set of chunks handed to a sink and not yet completed.
type InFlight struct {
	mu      sync.Mutex
	entries map[TrackingKey]inFlightEntry
}

func NewInFlight() *InFlight {
	return &InFlight{entries: make(map[TrackingKey]inFlightEntry)}
}

func (f *InFlight) Add(key TrackingKey, sinkId int, dispatched time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = inFlightEntry{sinkId: sinkId, dispatched: dispatched}
}

// Remove returns true if key was in flight.
func (f *InFlight) Remove(key TrackingKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	delete(f.entries, key)
	return ok
}

func (f *InFlight) Contains(key TrackingKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

func (f *InFlight) CountForSink(sinkId int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, entry := range f.entries {
		if entry.sinkId == sinkId {
			n++
		}
	}
	return n
}

// Counts returns the number of chunks in flight per sink.
func (f *InFlight) Counts() map[int]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[int]int)
	for _, entry := range f.entries {
		counts[entry.sinkId]++
	}
	return counts
}

// DispatchedBefore returns the keys of sinkId dispatched before t.
func (f *InFlight) DispatchedBefore(sinkId int, t time.Time) []TrackingKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []TrackingKey
	for key, entry := range f.entries {
		if entry.sinkId == sinkId && entry.dispatched.Before(t) {
			keys = append(keys, key)
		}
	}
	return dependencytracking.SortedKeys(keys)
}

func (f *InFlight) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = make(map[TrackingKey]inFlightEntry)
}

// Dispatcher hands queued chunks to their sink workers, keeping at most Slots chunks of a sink in flight.
type Dispatcher struct {
	service *Service
	workers map[int]SinkWorker
	clock   clock.Clock
	log     *logrus.Entry
}

func NewDispatcher(service *Service, workers map[int]SinkWorker, clock clock.Clock) *Dispatcher {
	return &Dispatcher{
		service: service,
		workers: workers,
		clock:   clock,
		log:     logrus.StandardLogger().WithField("service", "Dispatcher"),
	}
}

// Cycle dispatches as many chunks as the slots of every sink allow. Returns the number of chunks dispatched.
// A failing sink doesn't prevent the others from being served.
func (d *Dispatcher) Cycle(ctx context.Context) (int, error) {
	var result *multierror.Error
	total := 0
	for _, sink := range d.service.Sinks() {
		n, err := d.dispatchSink(ctx, sink)
		total += n
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return total, result.ErrorOrNil()
}

func (d *Dispatcher) dispatchSink(ctx context.Context, sink configuration.SinkConfig) (int, error) {
	if err := d.service.checkLeader(); err != nil {
		return 0, err
	}
	worker, ok := d.workers[sink.Id]
	if !ok {
		return 0, nil
	}
	inFlight := d.service.InFlight()
	if sink.RedispatchTimeout > 0 {
		if err := d.expire(ctx, sink); err != nil {
			return 0, err
		}
	}

	candidates, err := d.reserve(sink)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for i, record := range candidates {
		if err := worker.Dispatch(ctx, record); err != nil {
			for _, undispatched := range candidates[i:] {
				inFlight.Remove(undispatched.Key())
			}
			return dispatched, err
		}
		dispatched++
	}
	if dispatched > 0 {
		d.log.WithField("sink", sink.Id).Debugf("dispatched %d chunks", dispatched)
	}
	return dispatched, nil
}

// reserve selects the queued chunks of sink to dispatch next and marks them in flight.
// Holding the sink lock while doing so means a chunk completed concurrently is either not selected,
// or is removed from the in-flight set by its completion.
func (d *Dispatcher) reserve(sink configuration.SinkConfig) ([]*DependencyTracking, error) {
	defer d.service.lockSink(sink.Id)()
	inFlight := d.service.InFlight()
	free := sink.Slots - inFlight.CountForSink(sink.Id)
	if free <= 0 {
		return nil, nil
	}
	queued, err := d.service.store.ForSinkAndStatus(sink.Id, dependencytracking.QueuedForProcessing)
	if err != nil {
		return nil, err
	}
	candidates := queued[:0]
	for _, record := range queued {
		if !inFlight.Contains(record.Key()) {
			candidates = append(candidates, record)
		}
	}
	slices.SortFunc(candidates, dispatchOrder)
	if len(candidates) > free {
		candidates = candidates[:free]
	}
	now := d.clock.Now()
	for _, record := range candidates {
		inFlight.Add(record.Key(), sink.Id, now)
	}
	return candidates, nil
}

// dispatchOrder orders by priority, highest first, then by key.
func dispatchOrder(a, b *DependencyTracking) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Key().Less(b.Key())
}

// expire drops chunks in flight for longer than the redispatch timeout of sink, so they are dispatched again.
func (d *Dispatcher) expire(ctx context.Context, sink configuration.SinkConfig) error {
	now := d.clock.Now()
	expired := d.service.InFlight().DispatchedBefore(sink.Id, now.Add(-sink.RedispatchTimeout))
	if len(expired) == 0 {
		return nil
	}
	defer d.service.lockSink(sink.Id)()
	var updated []*DependencyTracking
	for _, key := range expired {
		d.service.InFlight().Remove(key)
		record, err := d.service.store.Get(ctx, key)
		if dataioerrors.IsNotFound(err) {
			continue
		} else if err != nil {
			return err
		}
		copied := record.DeepCopy()
		copied.Retries++
		copied.LastModified = now
		updated = append(updated, copied)
		d.log.WithField("chunk", key.String()).WithField("sink", sink.Id).Warnf("no completion after %s; dispatching again", sink.RedispatchTimeout)
	}
	return d.service.store.PutAll(ctx, updated)
}
