package dependencytracking

import (
	"context"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/renstrom/shortuuid"
)

const (
	trackingTable   = "dependencytracking"
	trackingColumns = "job_id, chunk_id, sink_id, status, priority, submitter, waiting_on, match_keys, retries, last_modified"
	// sink_id is immutable and deliberately absent.
	upsertAssignments = `status = EXCLUDED.status,
		priority = EXCLUDED.priority,
		submitter = EXCLUDED.submitter,
		waiting_on = EXCLUDED.waiting_on,
		match_keys = EXCLUDED.match_keys,
		retries = EXCLUDED.retries,
		last_modified = EXCLUDED.last_modified`
)

// PostgresMapStore persists records in the dependencytracking table.
type PostgresMapStore struct {
	db *pgxpool.Pool
}

func NewPostgresMapStore(db *pgxpool.Pool) *PostgresMapStore {
	return &PostgresMapStore{db: db}
}

func (s *PostgresMapStore) Load(ctx context.Context, key TrackingKey) (*DependencyTracking, error) {
	r, err := scanRow(s.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE job_id = $1 AND chunk_id = $2", trackingColumns, trackingTable),
		key.JobId, key.ChunkId))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return r.toRecord()
}

func (s *PostgresMapStore) LoadAll(ctx context.Context, keys []TrackingKey) ([]*DependencyTracking, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	jobIds, chunkIds := splitKeys(keys)
	rows, err := s.db.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s
			WHERE (job_id, chunk_id) IN (SELECT * FROM unnest($1::integer[], $2::integer[]))`, trackingColumns, trackingTable),
		jobIds, chunkIds)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	records := make([]*DependencyTracking, 0, len(keys))
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		record, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, errors.WithStack(rows.Err())
}

func (s *PostgresMapStore) LoadAllKeys(ctx context.Context) ([]TrackingKey, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf("SELECT job_id, chunk_id FROM %s ORDER BY job_id, chunk_id", trackingTable))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var keys []TrackingKey
	for rows.Next() {
		var key TrackingKey
		if err := rows.Scan(&key.JobId, &key.ChunkId); err != nil {
			return nil, errors.WithStack(err)
		}
		keys = append(keys, key)
	}
	return keys, errors.WithStack(rows.Err())
}

func (s *PostgresMapStore) Store(ctx context.Context, record *DependencyTracking) error {
	r, err := toRow(record)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (job_id, chunk_id) DO UPDATE SET %s`, trackingTable, trackingColumns, upsertAssignments),
		r.jobId, r.chunkId, r.sinkId, r.status, r.priority, r.submitter, r.waitingOn, r.matchKeys, r.retries, r.lastModified)
	return errors.WithStack(err)
}

// StoreAll copies the records into a temporary table and upserts them from there in a single transaction.
func (s *PostgresMapStore) StoreAll(ctx context.Context, records []*DependencyTracking) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(records))
	for i, record := range records {
		r, err := toRow(record)
		if err != nil {
			return err
		}
		rows[i] = []interface{}{r.jobId, r.chunkId, r.sinkId, r.status, r.priority, r.submitter, r.waitingOn, r.matchKeys, r.retries, r.lastModified}
	}

	// Table names must start with a letter; quoting keeps the mixed case of the uuid.
	tempTable := pgx.Identifier{"A" + shortuuid.New()}
	return s.db.BeginTxFunc(ctx, pgx.TxOptions{
		IsoLevel:       pgx.ReadCommitted,
		AccessMode:     pgx.ReadWrite,
		DeferrableMode: pgx.Deferrable,
	}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, fmt.Sprintf(
			"CREATE TEMPORARY TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", tempTable.Sanitize(), trackingTable))
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.CopyFrom(ctx, tempTable, []string{
			"job_id", "chunk_id", "sink_id", "status", "priority", "submitter", "waiting_on", "match_keys", "retries", "last_modified",
		}, pgx.CopyFromRows(rows))
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s
			ON CONFLICT (job_id, chunk_id) DO UPDATE SET %s`,
			trackingTable, trackingColumns, trackingColumns, tempTable.Sanitize(), upsertAssignments))
		return errors.WithStack(err)
	})
}

func (s *PostgresMapStore) Delete(ctx context.Context, key TrackingKey) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE job_id = $1 AND chunk_id = $2", trackingTable), key.JobId, key.ChunkId)
	return errors.WithStack(err)
}

func (s *PostgresMapStore) DeleteAll(ctx context.Context, keys []TrackingKey) error {
	if len(keys) == 0 {
		return nil
	}
	jobIds, chunkIds := splitKeys(keys)
	_, err := s.db.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s
			WHERE (job_id, chunk_id) IN (SELECT * FROM unnest($1::integer[], $2::integer[]))`, trackingTable),
		jobIds, chunkIds)
	return errors.WithStack(err)
}

func scanRow(scanner pgx.Row) (row, error) {
	var r row
	err := scanner.Scan(&r.jobId, &r.chunkId, &r.sinkId, &r.status, &r.priority, &r.submitter, &r.waitingOn, &r.matchKeys, &r.retries, &r.lastModified)
	return r, err
}

func splitKeys(keys []TrackingKey) ([]int32, []int32) {
	jobIds := make([]int32, len(keys))
	chunkIds := make([]int32, len(keys))
	for i, key := range keys {
		jobIds[i] = int32(key.JobId)
		chunkIds[i] = int32(key.ChunkId)
	}
	return jobIds, chunkIds
}

// IsTransientPostgresError returns true for errors worth retrying: lost connections, serialization
// failures and resource exhaustion. Errors not originating from postgres are considered transient.
func IsTransientPostgresError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return true
	}
	return pgerrcode.IsConnectionException(pgErr.Code) ||
		pgerrcode.IsTransactionRollback(pgErr.Code) ||
		pgerrcode.IsInsufficientResources(pgErr.Code) ||
		pgerrcode.IsOperatorIntervention(pgErr.Code)
}
