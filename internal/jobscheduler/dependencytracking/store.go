package dependencytracking

import (
	"context"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dbcdk/dataio/internal/common/dataioerrors"
	"github.com/dbcdk/dataio/internal/common/util"
)

const (
	trackingMemTable = "dependencytracking"
	idIndex          = "id"         // unique lookup by (JobId, ChunkId)
	sinkIndex        = "sink"       // records of a sink
	sinkStatusIndex  = "sinkstatus" // records of a sink with a given status
	jobIndex         = "job"        // records of a job
)

// Store is a partitioned in-memory table of DependencyTracking records, written through to a MapStore.
// Every key is owned by exactly one partition and operations on a single key are linearizable.
// Operations spanning several keys are not atomic; callers serialize those per sink.
//
// Records returned by the Store *must not* be modified. Use DependencyTracking.DeepCopy.
type Store struct {
	partitions    []*memdb.MemDB
	mapStore      MapStore
	loadBatchSize int
}

func NewStore(partitions int, mapStore MapStore, loadBatchSize int) (*Store, error) {
	if partitions < 1 {
		return nil, errors.WithStack(&dataioerrors.ErrInvalidArgument{
			Name:    "partitions",
			Value:   partitions,
			Message: "at least one partition is required",
		})
	}
	if loadBatchSize < 1 {
		loadBatchSize = 1000
	}
	s := &Store{
		partitions:    make([]*memdb.MemDB, partitions),
		mapStore:      mapStore,
		loadBatchSize: loadBatchSize,
	}
	for i := range s.partitions {
		db, err := memdb.NewMemDB(storeSchema())
		if err != nil {
			return nil, errors.WithStack(err)
		}
		s.partitions[i] = db
	}
	return s, nil
}

func (s *Store) partitionFor(key TrackingKey) *memdb.MemDB {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(key.JobId))
	binary.BigEndian.PutUint64(buf[8:], uint64(key.ChunkId))
	return s.partitions[xxhash.Sum64(buf[:])%uint64(len(s.partitions))]
}

// Partitions returns the number of partitions.
func (s *Store) Partitions() int {
	return len(s.partitions)
}

// Get returns the record stored under key, loading it from the MapStore if it isn't held in memory.
// Returns an *dataioerrors.ErrNotFound if the key is unknown.
func (s *Store) Get(ctx context.Context, key TrackingKey) (*DependencyTracking, error) {
	if record, err := s.getLocal(key); err != nil || record != nil {
		return record, err
	}
	record, err := s.mapStore.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.insertLocal(record); err != nil {
		return nil, err
	}
	return record, nil
}

// Contains returns true if key is held in memory. It never consults the MapStore.
func (s *Store) Contains(key TrackingKey) bool {
	record, err := s.getLocal(key)
	return err == nil && record != nil
}

func (s *Store) getLocal(key TrackingKey) (*DependencyTracking, error) {
	txn := s.partitionFor(key).Txn(false)
	defer txn.Abort()
	obj, err := txn.First(trackingMemTable, idIndex, key.JobId, key.ChunkId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*DependencyTracking), nil
}

// Put upserts record into the MapStore and then into memory.
// If the MapStore write fails, memory is left unchanged.
func (s *Store) Put(ctx context.Context, record *DependencyTracking) error {
	if err := s.mapStore.Store(ctx, record); err != nil {
		return err
	}
	return s.insertLocal(record)
}

// PutAll upserts records into the MapStore in one call and then into memory.
func (s *Store) PutAll(ctx context.Context, records []*DependencyTracking) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.mapStore.StoreAll(ctx, records); err != nil {
		return err
	}
	for _, record := range records {
		if err := s.insertLocal(record); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertLocal(record *DependencyTracking) error {
	txn := s.partitionFor(record.Key()).Txn(true)
	defer txn.Abort()
	if err := txn.Insert(trackingMemTable, record); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// Delete removes the backing row and then the in-memory record. Unknown keys are ignored.
func (s *Store) Delete(ctx context.Context, key TrackingKey) error {
	if err := s.mapStore.Delete(ctx, key); err != nil {
		return err
	}
	s.deleteLocal(key)
	return nil
}

func (s *Store) DeleteAll(ctx context.Context, keys []TrackingKey) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.mapStore.DeleteAll(ctx, keys); err != nil {
		return err
	}
	for _, key := range keys {
		s.deleteLocal(key)
	}
	return nil
}

func (s *Store) deleteLocal(key TrackingKey) {
	txn := s.partitionFor(key).Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(trackingMemTable, idIndex, key.JobId, key.ChunkId); err != nil {
		log.WithError(err).Warnf("failed to remove %s from memory", key)
		return
	}
	txn.Commit()
}

// Rehydrate replaces the in-memory contents with everything held by the MapStore.
// Keys are loaded first, then the records in batches. Returns the number of records loaded.
func (s *Store) Rehydrate(ctx context.Context) (int, error) {
	keys, err := s.mapStore.LoadAllKeys(ctx)
	if err != nil {
		return 0, err
	}
	for _, partition := range s.partitions {
		txn := partition.Txn(true)
		if _, err := txn.DeleteAll(trackingMemTable, idIndex); err != nil {
			txn.Abort()
			return 0, errors.WithStack(err)
		}
		txn.Commit()
	}

	loaded := 0
	for _, batch := range util.Batch(keys, s.loadBatchSize) {
		records, err := s.mapStore.LoadAll(ctx, batch)
		if err != nil {
			return loaded, err
		}
		for _, record := range records {
			if err := s.insertLocal(record); err != nil {
				return loaded, err
			}
		}
		loaded += len(records)
	}
	return loaded, nil
}

// Len returns the number of records held in memory.
func (s *Store) Len() int {
	n := 0
	for _, partition := range s.partitions {
		txn := partition.Txn(false)
		it, err := txn.Get(trackingMemTable, idIndex)
		if err == nil {
			for obj := it.Next(); obj != nil; obj = it.Next() {
				n++
			}
		}
		txn.Abort()
	}
	return n
}

// All returns every record held in memory.
func (s *Store) All() ([]*DependencyTracking, error) {
	return s.query(idIndex)
}

// ForSink returns the records of sinkId.
func (s *Store) ForSink(sinkId int) ([]*DependencyTracking, error) {
	return s.query(sinkIndex, sinkId)
}

// ForSinkAndStatus returns the records of sinkId having status.
func (s *Store) ForSinkAndStatus(sinkId int, status ChunkSchedulingStatus) ([]*DependencyTracking, error) {
	return s.query(sinkStatusIndex, sinkId, status)
}

// ForJob returns the records of jobId.
func (s *Store) ForJob(jobId int) ([]*DependencyTracking, error) {
	return s.query(jobIndex, jobId)
}

func (s *Store) query(index string, args ...interface{}) ([]*DependencyTracking, error) {
	var result []*DependencyTracking
	for _, partition := range s.partitions {
		err := scanPartition(partition, index, args, func(record *DependencyTracking) {
			result = append(result, record)
		})
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func scanPartition(partition *memdb.MemDB, index string, args []interface{}, visit func(*DependencyTracking)) error {
	txn := partition.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(trackingMemTable, index, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		visit(obj.(*DependencyTracking))
	}
	return nil
}

func storeSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			trackingMemTable: {
				Name: trackingMemTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:   idIndex,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.IntFieldIndex{Field: "JobId"},
								&memdb.IntFieldIndex{Field: "ChunkId"},
							},
						},
					},
					sinkIndex: {
						Name:    sinkIndex,
						Indexer: &memdb.IntFieldIndex{Field: "SinkId"},
					},
					sinkStatusIndex: {
						Name: sinkStatusIndex,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.IntFieldIndex{Field: "SinkId"},
								&memdb.IntFieldIndex{Field: "Status"},
							},
						},
					},
					jobIndex: {
						Name:    jobIndex,
						Indexer: &memdb.IntFieldIndex{Field: "JobId"},
					},
				},
			},
		},
	}
}
