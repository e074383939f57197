package dependencytracking

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/dbcdk/dataio/internal/common/dataioerrors"
)

// MapStore is the durable system of record behind the Store.
// Load returns an *dataioerrors.ErrNotFound if the key is unknown; LoadAll skips unknown keys.
// Store and StoreAll are upserts that overwrite every mutable column.
type MapStore interface {
	Load(ctx context.Context, key TrackingKey) (*DependencyTracking, error)
	LoadAll(ctx context.Context, keys []TrackingKey) ([]*DependencyTracking, error)
	LoadAllKeys(ctx context.Context) ([]TrackingKey, error)
	Store(ctx context.Context, record *DependencyTracking) error
	StoreAll(ctx context.Context, records []*DependencyTracking) error
	Delete(ctx context.Context, key TrackingKey) error
	DeleteAll(ctx context.Context, keys []TrackingKey) error
}

func notFound(key TrackingKey) error {
	return errors.WithStack(&dataioerrors.ErrNotFound{
		Type:  "dependency tracking",
		Value: key.String(),
	})
}

// MemoryMapStore is a MapStore that keeps records in process memory.
// It stores copies, so callers may not observe each other's modifications.
type MemoryMapStore struct {
	mu      sync.RWMutex
	records map[TrackingKey]*DependencyTracking
}

func NewMemoryMapStore() *MemoryMapStore {
	return &MemoryMapStore{records: make(map[TrackingKey]*DependencyTracking)}
}

func (m *MemoryMapStore) Load(_ context.Context, key TrackingKey) (*DependencyTracking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[key]
	if !ok {
		return nil, notFound(key)
	}
	return record.DeepCopy(), nil
}

func (m *MemoryMapStore) LoadAll(_ context.Context, keys []TrackingKey) ([]*DependencyTracking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]*DependencyTracking, 0, len(keys))
	for _, key := range keys {
		if record, ok := m.records[key]; ok {
			records = append(records, record.DeepCopy())
		}
	}
	return records, nil
}

func (m *MemoryMapStore) LoadAllKeys(_ context.Context) ([]TrackingKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return SortedKeys(maps.Keys(m.records)), nil
}

func (m *MemoryMapStore) Store(_ context.Context, record *DependencyTracking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsert(record)
	return nil
}

func (m *MemoryMapStore) StoreAll(_ context.Context, records []*DependencyTracking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range records {
		m.upsert(record)
	}
	return nil
}

func (m *MemoryMapStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryMapStore) upsert(record *DependencyTracking) {
	stored := record.DeepCopy()
	if existing, ok := m.records[record.Key()]; ok {
		stored.SinkId = existing.SinkId
	}
	m.records[record.Key()] = stored
}

func (m *MemoryMapStore) Delete(_ context.Context, key TrackingKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *MemoryMapStore) DeleteAll(_ context.Context, keys []TrackingKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.records, key)
	}
	return nil
}

// row is the relational representation shared by the SQL backends.
type row struct {
	jobId        int
	chunkId      int
	sinkId       int
	status       int
	priority     int
	submitter    int
	waitingOn    []byte
	matchKeys    []byte
	retries      int
	lastModified time.Time
}

func toRow(record *DependencyTracking) (row, error) {
	waitingOn, err := json.Marshal(record.WaitingOnList())
	if err != nil {
		return row{}, errors.WithStack(err)
	}
	matchKeys, err := json.Marshal(record.MatchKeyList())
	if err != nil {
		return row{}, errors.WithStack(err)
	}
	return row{
		jobId:        record.JobId,
		chunkId:      record.ChunkId,
		sinkId:       record.SinkId,
		status:       int(record.Status),
		priority:     record.Priority,
		submitter:    record.Submitter,
		waitingOn:    waitingOn,
		matchKeys:    matchKeys,
		retries:      record.Retries,
		lastModified: record.LastModified,
	}, nil
}

func (r row) toRecord() (*DependencyTracking, error) {
	waitingOn, err := decodeWaitingOn(r.waitingOn)
	if err != nil {
		return nil, err
	}
	matchKeys, err := decodeMatchKeys(r.matchKeys)
	if err != nil {
		return nil, err
	}
	return &DependencyTracking{
		TrackingKey:  NewTrackingKey(r.jobId, r.chunkId),
		SinkId:       r.sinkId,
		Status:       ChunkSchedulingStatus(r.status),
		Priority:     r.priority,
		Submitter:    r.submitter,
		MatchKeys:    matchKeys,
		WaitingOn:    waitingOn,
		Retries:      r.retries,
		LastModified: r.lastModified,
	}, nil
}

func decodeWaitingOn(data []byte) (map[TrackingKey]struct{}, error) {
	var keys []TrackingKey
	if len(data) > 0 {
		if err := json.Unmarshal(data, &keys); err != nil {
			return nil, errors.Wrap(err, "decoding waiting_on")
		}
	}
	return KeySet(keys...), nil
}

func decodeMatchKeys(data []byte) (map[string]struct{}, error) {
	var keys []string
	if len(data) > 0 {
		if err := json.Unmarshal(data, &keys); err != nil {
			return nil, errors.Wrap(err, "decoding match_keys")
		}
	}
	return MatchKeySet(keys...), nil
}
