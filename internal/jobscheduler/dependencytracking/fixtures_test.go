package dependencytracking

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2022, 10, 3, 12, 0, 0, 0, time.UTC)

var recordComparison = []cmp.Option{
	cmpopts.EquateEmpty(),
	cmpopts.EquateApproxTime(time.Millisecond),
}

// twoJobFixture returns 11 records: chunks 0-5 of job 1 on sink 1 and chunks 0-4 of job 2 on sink 2.
// Every chunk after the first waits on its predecessor.
func twoJobFixture() []*DependencyTracking {
	var records []*DependencyTracking
	add := func(jobId, sinkId, chunks int) {
		for chunkId := 0; chunkId < chunks; chunkId++ {
			record := New(NewTrackingKey(jobId, chunkId), sinkId, 0)
			record.MatchKeys = MatchKeySet(fmt.Sprintf("job%d-record%d", jobId, chunkId), "shared")
			if chunkId > 0 {
				record.SetWaitingOn(KeySet(NewTrackingKey(jobId, chunkId-1)))
			}
			record.LastModified = baseTime.Add(time.Duration(chunkId) * time.Second)
			records = append(records, record)
		}
	}
	add(1, 1, 6)
	add(2, 2, 5)
	return records
}

func fixtureKeys(records []*DependencyTracking) []TrackingKey {
	keys := make([]TrackingKey, len(records))
	for i, record := range records {
		keys[i] = record.Key()
	}
	return keys
}

// withMapStores runs action against every MapStore that doesn't need an external server.
func withMapStores(t *testing.T, action func(t *testing.T, store MapStore)) {
	t.Run("memory", func(t *testing.T) {
		action(t, NewMemoryMapStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSqliteMapStore(":memory:")
		require.NoError(t, err)
		defer store.Close()
		action(t, store)
	})
}

func assertRecordsEqual(t *testing.T, expected, actual []*DependencyTracking) {
	t.Helper()
	sortRecords := cmpopts.SortSlices(func(a, b *DependencyTracking) bool { return a.Key().Less(b.Key()) })
	if diff := cmp.Diff(expected, actual, append(recordComparison, sortRecords)...); diff != "" {
		t.Errorf("records differ (-expected +actual):\n%s", diff)
	}
}

func newTestStore(t *testing.T, partitions int) (*Store, *MemoryMapStore) {
	mapStore := NewMemoryMapStore()
	store, err := NewStore(partitions, mapStore, 4)
	require.NoError(t, err)
	return store, mapStore
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
