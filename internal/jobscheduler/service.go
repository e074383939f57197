package jobscheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/dbcdk/dataio/internal/common/dataioerrors"
	"github.com/dbcdk/dataio/internal/common/logging"
	"github.com/dbcdk/dataio/internal/jobscheduler/completionlog"
	"github.com/dbcdk/dataio/internal/jobscheduler/configuration"
	"github.com/dbcdk/dataio/internal/jobscheduler/dependencytracking"
)

type (
	TrackingKey        = dependencytracking.TrackingKey
	DependencyTracking = dependencytracking.DependencyTracking
)

// ChunkDescriptor describes a chunk arriving for scheduling.
type ChunkDescriptor struct {
	JobId     int `json:"jobId"`
	ChunkId   int `json:"chunkId"`
	SinkId    int `json:"sinkId"`
	Submitter int `json:"submitter"`
	// Identifiers of the bibliographic records in the chunk
	RecordIds []string `json:"recordIds"`
	// Zero means normal priority
	Priority int `json:"priority,omitempty"`
	// Marks the synthetic last chunk of a job delivered to a barrier sink
	Termination bool `json:"termination,omitempty"`
}

func (c ChunkDescriptor) Key() TrackingKey {
	return dependencytracking.NewTrackingKey(c.JobId, c.ChunkId)
}

func barrierKey(submitter int) string {
	return fmt.Sprintf("barrier:%d", submitter)
}

// Service owns the dependency tracking store and applies every change to it.
// Changes affecting the records of a sink are serialized per sink.
// Only the leader may change the store, and only after having rehydrated it.
type Service struct {
	store       *dependencytracking.Store
	sinks       map[int]configuration.SinkConfig
	sinkIds     []int
	locks       map[int]*sync.Mutex
	completions completionlog.Log
	leader      LeaderController
	inFlight    *InFlight
	clock       clock.Clock
	// Token under which the store was last rehydrated
	activeToken atomic.Value
	log         *logrus.Entry
}

func NewService(
	store *dependencytracking.Store,
	sinks map[int]configuration.SinkConfig,
	completions completionlog.Log,
	leader LeaderController,
	clock clock.Clock,
) *Service {
	s := &Service{
		store:       store,
		sinks:       sinks,
		sinkIds:     maps.Keys(sinks),
		locks:       make(map[int]*sync.Mutex, len(sinks)),
		completions: completions,
		leader:      leader,
		inFlight:    NewInFlight(),
		clock:       clock,
		log:         logrus.StandardLogger().WithField("service", "DependencyTrackingService"),
	}
	slices.Sort(s.sinkIds)
	for _, sinkId := range s.sinkIds {
		s.locks[sinkId] = &sync.Mutex{}
	}
	s.activeToken.Store(InvalidLeaderToken())
	return s
}

// Sinks returns the configured sinks ordered by id.
func (s *Service) Sinks() []configuration.SinkConfig {
	sinks := make([]configuration.SinkConfig, 0, len(s.sinkIds))
	for _, sinkId := range s.sinkIds {
		sinks = append(sinks, s.sinks[sinkId])
	}
	return sinks
}

func (s *Service) InFlight() *InFlight {
	return s.inFlight
}

func (s *Service) lockSink(sinkId int) func() {
	mu := s.locks[sinkId]
	mu.Lock()
	return mu.Unlock
}

func (s *Service) lockAllSinks() func() {
	for _, sinkId := range s.sinkIds {
		s.locks[sinkId].Lock()
	}
	return func() {
		for i := len(s.sinkIds) - 1; i >= 0; i-- {
			s.locks[s.sinkIds[i]].Unlock()
		}
	}
}

func (s *Service) checkLeader() error {
	token := s.leader.GetToken()
	if s.leader.ValidateToken(token) && s.activeToken.Load().(LeaderToken) == token {
		return nil
	}
	return errors.WithStack(&dataioerrors.ErrNotLeader{LeaderName: s.leader.GetLeaderReport().LeaderName})
}

// IsActive returns true if this instance is leader and has rehydrated the store.
func (s *Service) IsActive() bool {
	return s.checkLeader() == nil
}

// BecomeLeader reloads the store from the database and starts accepting changes under token.
// Does nothing if the store is already active under token.
func (s *Service) BecomeLeader(ctx context.Context, token LeaderToken) error {
	unlock := s.lockAllSinks()
	defer unlock()
	if s.activeToken.Load().(LeaderToken) == token {
		return nil
	}
	start := s.clock.Now()
	n, err := s.store.Rehydrate(ctx)
	if err != nil {
		return err
	}
	s.inFlight.Clear()
	released, err := s.recheckBlocks(ctx)
	if err != nil {
		return err
	}
	s.activeToken.Store(token)
	s.log.Infof("loaded %d records in %s; released %d records waiting on missing chunks", n, s.clock.Since(start), len(released))
	return nil
}

// StepDown stops accepting changes until BecomeLeader is called again.
func (s *Service) StepDown() {
	s.activeToken.Store(InvalidLeaderToken())
	s.inFlight.Clear()
}

func (s *Service) onStartedLeading(ctx context.Context, token LeaderToken) {
	if err := s.BecomeLeader(ctx, token); err != nil {
		logging.WithStacktrace(s.log, err).Error("could not rehydrate store after becoming leader")
	}
}

func (s *Service) onStoppedLeading() {
	s.log.Info("no longer leader; stopped accepting changes")
	s.StepDown()
}

// validateKey rejects ids the tracking table can't hold.
func validateKey(key TrackingKey) error {
	if key.JobId < 0 || key.JobId > math.MaxInt32 {
		return invalidArgument("jobId", key.JobId, fmt.Sprintf("must be within [0, %d]", math.MaxInt32))
	}
	if key.ChunkId < 0 || key.ChunkId > math.MaxInt32 {
		return invalidArgument("chunkId", key.ChunkId, fmt.Sprintf("must be within [0, %d]", math.MaxInt32))
	}
	return nil
}

func (s *Service) validate(chunk ChunkDescriptor) (configuration.SinkConfig, error) {
	if err := validateKey(chunk.Key()); err != nil {
		return configuration.SinkConfig{}, err
	}
	if chunk.SinkId == 0 {
		return configuration.SinkConfig{}, invalidArgument("sinkId", chunk.SinkId, "sink id is required")
	}
	sink, ok := s.sinks[chunk.SinkId]
	if !ok {
		return configuration.SinkConfig{}, invalidArgument("sinkId", chunk.SinkId, "unknown sink")
	}
	return sink, nil
}

func invalidArgument(name string, value interface{}, message string) error {
	return errors.WithStack(&dataioerrors.ErrInvalidArgument{
		Name:    name,
		Value:   value,
		Message: message,
	})
}

func alreadyTracked(key TrackingKey) error {
	return errors.WithStack(&dataioerrors.ErrAlreadyExists{
		Type:    "dependency tracking",
		Value:   key.String(),
		Message: "chunk is already scheduled",
	})
}

// Insert starts tracking chunk. The new record waits on every tracked record of the same sink it collides with,
// reduced to those not already reached through another record it waits on.
func (s *Service) Insert(ctx context.Context, chunk ChunkDescriptor) (TrackingKey, error) {
	key := chunk.Key()
	sink, err := s.validate(chunk)
	if err != nil {
		return key, err
	}
	if err := s.checkLeader(); err != nil {
		return key, err
	}

	defer s.lockSink(sink.Id)()
	completed, err := s.completions.Contains(ctx, key)
	if err != nil {
		return key, err
	}
	if completed {
		return key, errors.WithStack(&dataioerrors.ErrAlreadyExists{
			Type:    "dependency tracking",
			Value:   key.String(),
			Message: "chunk has already completed",
		})
	}
	if _, err := s.store.Get(ctx, key); err == nil {
		return key, alreadyTracked(key)
	} else if !dataioerrors.IsNotFound(err) {
		return key, err
	}

	record := dependencytracking.New(key, sink.Id, chunk.Submitter)
	record.MatchKeys = sink.KeyPolicy.NewGenerator(sink.Id, chunk.Submitter).GenerateKeys(chunk.RecordIds)
	if chunk.Priority > 0 {
		record.Priority = chunk.Priority
	}
	matchOn := record.MatchKeys
	if sink.JobBarrier {
		barrier := barrierKey(chunk.Submitter)
		if chunk.ChunkId == 0 || chunk.Termination {
			record.MatchKeys[barrier] = struct{}{}
		}
		matchOn = maps.Clone(record.MatchKeys)
		matchOn[barrier] = struct{}{}
	}
	if chunk.Termination {
		record.Priority = dependencytracking.PriorityHigh
	}

	waitingOn, err := s.findChunksToWaitFor(record, matchOn, chunk.Termination)
	if err != nil {
		return key, err
	}
	record.SetWaitingOn(waitingOn)
	record.LastModified = s.clock.Now()
	if err := s.store.Put(ctx, record); err != nil {
		return key, err
	}
	s.boostPriorities(ctx, maps.Keys(waitingOn), record.Priority)

	s.log.WithField("chunk", key.String()).
		WithField("sink", sink.Id).
		Debugf("inserted as %s waiting on %d", record.Status, len(waitingOn))
	return key, nil
}

func (s *Service) findChunksToWaitFor(record *DependencyTracking, matchOn map[string]struct{}, wholeJob bool) (map[TrackingKey]struct{}, error) {
	if len(matchOn) == 0 && !wholeJob {
		return map[TrackingKey]struct{}{}, nil
	}
	tracked, err := s.store.ForSink(record.SinkId)
	if err != nil {
		return nil, err
	}
	var candidates []*DependencyTracking
	for _, other := range tracked {
		if other.Key() == record.Key() {
			continue
		}
		if other.SharesMatchKey(matchOn) || (wholeJob && other.JobId == record.JobId) {
			candidates = append(candidates, other)
		}
	}
	return reduceDependencies(candidates), nil
}

// reduceDependencies drops every candidate some other candidate already waits on.
func reduceDependencies(candidates []*DependencyTracking) map[TrackingKey]struct{} {
	reached := make(map[TrackingKey]struct{})
	for _, candidate := range candidates {
		for key := range candidate.WaitingOn {
			reached[key] = struct{}{}
		}
	}
	result := make(map[TrackingKey]struct{}, len(candidates))
	for _, candidate := range candidates {
		if _, ok := reached[candidate.Key()]; !ok {
			result[candidate.Key()] = struct{}{}
		}
	}
	return result
}

// Complete stops tracking key after its chunk has been processed, successfully or not,
// and releases the records waiting on it.
func (s *Service) Complete(ctx context.Context, key TrackingKey, outcome completionlog.Outcome) error {
	if !outcome.Valid() {
		return invalidArgument("outcome", outcome, "must be SUCCEEDED or FAILED")
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.checkLeader(); err != nil {
		return err
	}
	record, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}

	defer s.lockSink(record.SinkId)()
	// Another completion may have removed it while waiting for the lock.
	if record, err = s.store.Get(ctx, key); err != nil {
		return err
	}
	if record.Status != dependencytracking.QueuedForProcessing {
		s.log.WithField("chunk", key.String()).Warnf("completing chunk in status %s", record.Status)
	}
	released, err := s.removeAndRelease(ctx, record.SinkId, []TrackingKey{key})
	if err != nil {
		return err
	}
	if err := s.completions.Add(ctx, key, record.SinkId, outcome); err != nil && !dataioerrors.IsAlreadyExists(err) {
		logging.WithStacktrace(s.log, err).WithField("chunk", key.String()).Warn("failed to record completion")
	}
	s.log.WithField("chunk", key.String()).
		WithField("sink", record.SinkId).
		Debugf("completed with outcome %s; released %d", outcome, len(released))
	return nil
}

// removeAndRelease deletes keys, all belonging to sinkId, and removes them from the records waiting on them.
// A record waiting on a deleted record inherits what the deleted record was still waiting on.
// Dependants are written before the keys are deleted, so a failed call can be repeated.
// Returns the records that became queued. The caller must hold the lock of sinkId.
func (s *Service) removeAndRelease(ctx context.Context, sinkId int, keys []TrackingKey) ([]TrackingKey, error) {
	removedKeys := dependencytracking.KeySet(keys...)
	tracked, err := s.store.ForSink(sinkId)
	if err != nil {
		return nil, err
	}
	removed := make(map[TrackingKey]*DependencyTracking, len(keys))
	for _, record := range tracked {
		if _, ok := removedKeys[record.Key()]; ok {
			removed[record.Key()] = record
		}
	}

	now := s.clock.Now()
	var updated []*DependencyTracking
	var released []TrackingKey
	for _, record := range tracked {
		if _, ok := removedKeys[record.Key()]; ok {
			continue
		}
		var copied *DependencyTracking
		for key := range removedKeys {
			if _, ok := record.WaitingOn[key]; !ok {
				continue
			}
			if copied == nil {
				copied = record.DeepCopy()
			}
			copied.RemoveWaitingOn(key)
			for inherited := range inheritedWaitingOn(key, removedKeys, removed) {
				copied.AddWaitingOn(inherited)
			}
		}
		if copied == nil {
			continue
		}
		copied.LastModified = now
		updated = append(updated, copied)
		if copied.Status == dependencytracking.QueuedForProcessing {
			released = append(released, copied.Key())
		}
	}
	if err := s.store.PutAll(ctx, updated); err != nil {
		return nil, err
	}
	if err := s.store.DeleteAll(ctx, keys); err != nil {
		return nil, err
	}
	for _, key := range keys {
		s.inFlight.Remove(key)
	}
	return dependencytracking.SortedKeys(released), nil
}

// inheritedWaitingOn returns the keys the removed record key still waits on,
// following through records removed along with it.
func inheritedWaitingOn(
	key TrackingKey,
	removedKeys map[TrackingKey]struct{},
	removed map[TrackingKey]*DependencyTracking,
) map[TrackingKey]struct{} {
	result := make(map[TrackingKey]struct{})
	visited := make(map[TrackingKey]struct{})
	pending := []TrackingKey{key}
	for len(pending) > 0 {
		next := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, ok := visited[next]; ok {
			continue
		}
		visited[next] = struct{}{}
		record, ok := removed[next]
		if !ok {
			continue
		}
		for waitingOn := range record.WaitingOn {
			if _, ok := removedKeys[waitingOn]; ok {
				pending = append(pending, waitingOn)
			} else {
				result[waitingOn] = struct{}{}
			}
		}
	}
	return result
}

// BoostPriority raises the priority of the given records, and of the records they transitively wait on, to priority.
// Priorities at or below low are ignored.
func (s *Service) BoostPriority(ctx context.Context, keys []TrackingKey, priority int) error {
	if err := s.checkLeader(); err != nil {
		return err
	}
	if priority <= dependencytracking.PriorityLow {
		return nil
	}
	bySink := make(map[int][]TrackingKey)
	for _, key := range keys {
		record, err := s.store.Get(ctx, key)
		if err != nil {
			return err
		}
		bySink[record.SinkId] = append(bySink[record.SinkId], key)
	}
	for sinkId, sinkKeys := range bySink {
		unlock := s.lockSink(sinkId)
		err := s.boostPrioritiesLocked(ctx, sinkKeys, priority)
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) boostPriorities(ctx context.Context, keys []TrackingKey, priority int) {
	if priority <= dependencytracking.PriorityLow {
		return
	}
	if err := s.boostPrioritiesLocked(ctx, keys, priority); err != nil {
		logging.WithStacktrace(s.log, err).Warn("failed to boost priorities")
	}
}

// boostPrioritiesLocked walks the WaitingOn graph breadth first. The caller must hold the lock of the sink.
func (s *Service) boostPrioritiesLocked(ctx context.Context, keys []TrackingKey, priority int) error {
	visited := make(map[TrackingKey]struct{})
	for len(keys) > 0 {
		var boosted []*DependencyTracking
		var next []TrackingKey
		for _, key := range keys {
			if _, ok := visited[key]; ok {
				continue
			}
			visited[key] = struct{}{}
			record, err := s.store.Get(ctx, key)
			if dataioerrors.IsNotFound(err) {
				continue
			} else if err != nil {
				return err
			}
			if record.Priority < priority {
				copied := record.DeepCopy()
				copied.Priority = priority
				boosted = append(boosted, copied)
			}
			next = append(next, maps.Keys(record.WaitingOn)...)
		}
		if err := s.store.PutAll(ctx, boosted); err != nil {
			return err
		}
		keys = next
	}
	return nil
}

// Get returns the record tracked under key.
func (s *Service) Get(ctx context.Context, key TrackingKey) (*DependencyTracking, error) {
	return s.store.Get(ctx, key)
}

// Snapshot returns the tracked records of jobId ordered by chunk.
func (s *Service) Snapshot(jobId int) ([]*DependencyTracking, error) {
	records, err := s.store.ForJob(jobId)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(records, func(a, b *DependencyTracking) bool { return a.ChunkId < b.ChunkId })
	return records, nil
}

// FindWaitingOn returns the keys of the records waiting on key.
func (s *Service) FindWaitingOn(ctx context.Context, key TrackingKey) ([]TrackingKey, error) {
	record, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	tracked, err := s.store.ForSink(record.SinkId)
	if err != nil {
		return nil, err
	}
	var dependants []TrackingKey
	for _, other := range tracked {
		if _, ok := other.WaitingOn[key]; ok {
			dependants = append(dependants, other.Key())
		}
	}
	return dependencytracking.SortedKeys(dependants), nil
}

// RemoveJob stops tracking every chunk of jobId, e.g., because the job was aborted,
// and releases the records waiting on them. Returns the number of records removed.
func (s *Service) RemoveJob(ctx context.Context, jobId int) (int, error) {
	if err := s.checkLeader(); err != nil {
		return 0, err
	}
	records, err := s.store.ForJob(jobId)
	if err != nil {
		return 0, err
	}
	bySink := make(map[int][]TrackingKey)
	for _, record := range records {
		bySink[record.SinkId] = append(bySink[record.SinkId], record.Key())
	}
	removed := 0
	for sinkId, keys := range bySink {
		unlock := s.lockSink(sinkId)
		_, err := s.removeAndRelease(ctx, sinkId, keys)
		unlock()
		if err != nil {
			return removed, err
		}
		removed += len(keys)
	}
	s.log.WithField("job", jobId).Infof("removed %d records", removed)
	return removed, nil
}

// RecheckBlocks drops keys no longer tracked from the WaitingOn of every blocked record.
// Returns the records that were changed.
func (s *Service) RecheckBlocks(ctx context.Context) ([]TrackingKey, error) {
	if err := s.checkLeader(); err != nil {
		return nil, err
	}
	unlock := s.lockAllSinks()
	defer unlock()
	return s.recheckBlocks(ctx)
}

func (s *Service) recheckBlocks(ctx context.Context) ([]TrackingKey, error) {
	var changed []*DependencyTracking
	var keys []TrackingKey
	now := s.clock.Now()
	for _, sinkId := range s.sinkIds {
		blocked, err := s.store.ForSinkAndStatus(sinkId, dependencytracking.Blocked)
		if err != nil {
			return nil, err
		}
		for _, record := range blocked {
			var copied *DependencyTracking
			for key := range record.WaitingOn {
				if s.store.Contains(key) {
					continue
				}
				if copied == nil {
					copied = record.DeepCopy()
				}
				copied.RemoveWaitingOn(key)
			}
			if copied != nil {
				copied.LastModified = now
				changed = append(changed, copied)
				keys = append(keys, copied.Key())
			}
		}
	}
	if err := s.store.PutAll(ctx, changed); err != nil {
		return nil, err
	}
	return dependencytracking.SortedKeys(keys), nil
}

// Stale returns the records with status not modified for olderThan.
func (s *Service) Stale(status dependencytracking.ChunkSchedulingStatus, olderThan time.Duration) ([]*DependencyTracking, error) {
	all, err := s.store.All()
	if err != nil {
		return nil, err
	}
	cutoff := s.clock.Now().Add(-olderThan)
	var stale []*DependencyTracking
	for _, record := range all {
		if record.Status == status && record.LastModified.Before(cutoff) {
			stale = append(stale, record)
		}
	}
	slices.SortFunc(stale, func(a, b *DependencyTracking) bool { return a.Key().Less(b.Key()) })
	return stale, nil
}

func (s *Service) CountBlocked(ctx context.Context, status dependencytracking.ChunkSchedulingStatus) (map[int]int, error) {
	return s.store.CountBlocked(ctx, status)
}

func (s *Service) CountJobs(ctx context.Context, sinkId int) (dependencytracking.JobCount, error) {
	return s.store.CountJobs(ctx, sinkId)
}

func (s *Service) CountStatuses(ctx context.Context, sinkIds ...int) (map[int]map[dependencytracking.ChunkSchedulingStatus]int, error) {
	return s.store.CountStatuses(ctx, sinkIds...)
}

func (s *Service) CountSinkStatus(ctx context.Context, sinkId int, status dependencytracking.ChunkSchedulingStatus) (int, error) {
	return s.store.CountSinkStatus(ctx, sinkId, status)
}
