package dependencytracking

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Aggregator is a read-only reduction over the records of a Store.
// Each partition is folded into its own accumulator under a read transaction
// and the accumulators of all partitions are then combined into the result.
type Aggregator[A any, R any] interface {
	NewAccumulator() A
	Accumulate(acc A, record *DependencyTracking) A
	Combine(a, b A) A
	Result(acc A) R
	// Scan names the index, and its arguments, selecting the records the aggregator needs to see.
	Scan() (index string, args []interface{})
}

// Aggregate folds every partition of s in parallel and combines the results.
func Aggregate[A any, R any](ctx context.Context, s *Store, aggregator Aggregator[A, R]) (R, error) {
	index, args := aggregator.Scan()
	accumulators := make([]A, len(s.partitions))
	g, _ := errgroup.WithContext(ctx)
	for i, partition := range s.partitions {
		i, partition := i, partition
		g.Go(func() error {
			acc := aggregator.NewAccumulator()
			err := scanPartition(partition, index, args, func(record *DependencyTracking) {
				acc = aggregator.Accumulate(acc, record)
			})
			accumulators[i] = acc
			return err
		})
	}
	if err := g.Wait(); err != nil {
		var zero R
		return zero, err
	}
	if err := ctx.Err(); err != nil {
		var zero R
		return zero, err
	}
	result := aggregator.NewAccumulator()
	for _, acc := range accumulators {
		result = aggregator.Combine(result, acc)
	}
	return aggregator.Result(result), nil
}

// BlockedCounter counts records per sink having Status, BLOCKED if unset.
type BlockedCounter struct {
	Status ChunkSchedulingStatus
}

func (c BlockedCounter) status() ChunkSchedulingStatus {
	if c.Status == 0 {
		return Blocked
	}
	return c.Status
}

func (c BlockedCounter) NewAccumulator() map[int]int {
	return make(map[int]int)
}

func (c BlockedCounter) Accumulate(acc map[int]int, record *DependencyTracking) map[int]int {
	if record.Status == c.status() {
		acc[record.SinkId]++
	}
	return acc
}

func (c BlockedCounter) Combine(a, b map[int]int) map[int]int {
	for sinkId, n := range b {
		a[sinkId] += n
	}
	return a
}

func (c BlockedCounter) Result(acc map[int]int) map[int]int {
	return acc
}

func (c BlockedCounter) Scan() (string, []interface{}) {
	return idIndex, nil
}

// JobCount is the number of distinct jobs and the number of chunks tracked for a sink.
type JobCount struct {
	Jobs   int `json:"jobs"`
	Chunks int `json:"chunks"`
}

type jobAccumulator struct {
	jobs   map[int]struct{}
	chunks int
}

// JobCounter counts the jobs and chunks tracked for SinkId.
type JobCounter struct {
	SinkId int
}

func (c JobCounter) NewAccumulator() *jobAccumulator {
	return &jobAccumulator{jobs: make(map[int]struct{})}
}

func (c JobCounter) Accumulate(acc *jobAccumulator, record *DependencyTracking) *jobAccumulator {
	acc.jobs[record.JobId] = struct{}{}
	acc.chunks++
	return acc
}

func (c JobCounter) Combine(a, b *jobAccumulator) *jobAccumulator {
	for jobId := range b.jobs {
		a.jobs[jobId] = struct{}{}
	}
	a.chunks += b.chunks
	return a
}

func (c JobCounter) Result(acc *jobAccumulator) JobCount {
	return JobCount{Jobs: len(acc.jobs), Chunks: acc.chunks}
}

func (c JobCounter) Scan() (string, []interface{}) {
	return sinkIndex, []interface{}{c.SinkId}
}

// StatusCounter counts records per sink and status.
// All sinks are counted if SinkIds is empty.
type StatusCounter struct {
	SinkIds []int
}

func NewStatusCounter(sinkIds ...int) StatusCounter {
	return StatusCounter{SinkIds: sinkIds}
}

func (c StatusCounter) NewAccumulator() map[int]map[ChunkSchedulingStatus]int {
	return make(map[int]map[ChunkSchedulingStatus]int)
}

func (c StatusCounter) Accumulate(acc map[int]map[ChunkSchedulingStatus]int, record *DependencyTracking) map[int]map[ChunkSchedulingStatus]int {
	if !c.includes(record.SinkId) {
		return acc
	}
	counts, ok := acc[record.SinkId]
	if !ok {
		counts = make(map[ChunkSchedulingStatus]int)
		acc[record.SinkId] = counts
	}
	counts[record.Status]++
	return acc
}

func (c StatusCounter) includes(sinkId int) bool {
	if len(c.SinkIds) == 0 {
		return true
	}
	for _, id := range c.SinkIds {
		if id == sinkId {
			return true
		}
	}
	return false
}

func (c StatusCounter) Combine(a, b map[int]map[ChunkSchedulingStatus]int) map[int]map[ChunkSchedulingStatus]int {
	for sinkId, counts := range b {
		target, ok := a[sinkId]
		if !ok {
			target = make(map[ChunkSchedulingStatus]int)
			a[sinkId] = target
		}
		for status, n := range counts {
			target[status] += n
		}
	}
	return a
}

func (c StatusCounter) Result(acc map[int]map[ChunkSchedulingStatus]int) map[int]map[ChunkSchedulingStatus]int {
	return acc
}

func (c StatusCounter) Scan() (string, []interface{}) {
	if len(c.SinkIds) == 1 {
		return sinkIndex, []interface{}{c.SinkIds[0]}
	}
	return idIndex, nil
}

// SinkStatusCounter counts the records of SinkId having Status.
type SinkStatusCounter struct {
	SinkId int
	Status ChunkSchedulingStatus
}

func (c SinkStatusCounter) NewAccumulator() int {
	return 0
}

func (c SinkStatusCounter) Accumulate(acc int, _ *DependencyTracking) int {
	return acc + 1
}

func (c SinkStatusCounter) Combine(a, b int) int {
	return a + b
}

func (c SinkStatusCounter) Result(acc int) int {
	return acc
}

func (c SinkStatusCounter) Scan() (string, []interface{}) {
	return sinkStatusIndex, []interface{}{c.SinkId, c.Status}
}

// CountBlocked returns, per sink, the number of records having status (BLOCKED if zero).
func (s *Store) CountBlocked(ctx context.Context, status ChunkSchedulingStatus) (map[int]int, error) {
	return Aggregate[map[int]int, map[int]int](ctx, s, BlockedCounter{Status: status})
}

// CountJobs returns the number of jobs and chunks tracked for sinkId.
func (s *Store) CountJobs(ctx context.Context, sinkId int) (JobCount, error) {
	return Aggregate[*jobAccumulator, JobCount](ctx, s, JobCounter{SinkId: sinkId})
}

// CountStatuses returns, per sink and status, the number of records. All sinks are counted if none are given.
func (s *Store) CountStatuses(ctx context.Context, sinkIds ...int) (map[int]map[ChunkSchedulingStatus]int, error) {
	return Aggregate[map[int]map[ChunkSchedulingStatus]int, map[int]map[ChunkSchedulingStatus]int](ctx, s, NewStatusCounter(sinkIds...))
}

// CountSinkStatus returns the number of records of sinkId having status.
func (s *Store) CountSinkStatus(ctx context.Context, sinkId int, status ChunkSchedulingStatus) (int, error) {
	return Aggregate[int, int](ctx, s, SinkStatusCounter{SinkId: sinkId, Status: status})
}
