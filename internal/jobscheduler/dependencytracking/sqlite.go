package dependencytracking

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dependencytracking (
	job_id        INTEGER NOT NULL,
	chunk_id      INTEGER NOT NULL,
	sink_id       INTEGER NOT NULL,
	status        INTEGER NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 4,
	submitter     INTEGER NOT NULL DEFAULT 0,
	waiting_on    TEXT    NOT NULL DEFAULT '[]',
	match_keys    TEXT    NOT NULL DEFAULT '[]',
	retries       INTEGER NOT NULL DEFAULT 0,
	last_modified INTEGER NOT NULL,
	PRIMARY KEY (job_id, chunk_id)
);
CREATE INDEX IF NOT EXISTS dependencytracking_sink_status_idx ON dependencytracking (sink_id, status);`

// SqliteMapStore persists records in an embedded sqlite database. Intended for single-node deployments.
type SqliteMapStore struct {
	db *sql.DB
}

// NewSqliteMapStore opens (creating if necessary) the database at path.
// The special path ":memory:" gives a private in-memory database.
func NewSqliteMapStore(path string) (*SqliteMapStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "could not make directory at %s for sqlite db", dir)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite db from %s", path)
	}
	// sqlite allows a single writer; one connection also keeps :memory: databases alive and shared.
	db.SetMaxOpenConns(1)
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, errors.WithStack(err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}
	return &SqliteMapStore{db: db}, nil
}

func (s *SqliteMapStore) Close() error {
	return s.db.Close()
}

func (s *SqliteMapStore) Load(ctx context.Context, key TrackingKey) (*DependencyTracking, error) {
	r, err := scanSqliteRow(s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE job_id = ? AND chunk_id = ?", trackingColumns, trackingTable),
		key.JobId, key.ChunkId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return r.toRecord()
}

func (s *SqliteMapStore) LoadAll(ctx context.Context, keys []TrackingKey) ([]*DependencyTracking, error) {
	records := make([]*DependencyTracking, 0, len(keys))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			fmt.Sprintf("SELECT %s FROM %s WHERE job_id = ? AND chunk_id = ?", trackingColumns, trackingTable))
		if err != nil {
			return errors.WithStack(err)
		}
		defer stmt.Close()
		for _, key := range keys {
			r, err := scanSqliteRow(stmt.QueryRowContext(ctx, key.JobId, key.ChunkId))
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return errors.WithStack(err)
			}
			record, err := r.toRecord()
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	return records, err
}

func (s *SqliteMapStore) LoadAllKeys(ctx context.Context) ([]TrackingKey, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT job_id, chunk_id FROM %s ORDER BY job_id, chunk_id", trackingTable))
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

func (s *SqliteMapStore) Store(ctx context.Context, record *DependencyTracking) error {
	return s.StoreAll(ctx, []*DependencyTracking{record})
}

func (s *SqliteMapStore) StoreAll(ctx context.Context, records []*DependencyTracking) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (job_id, chunk_id) DO UPDATE SET %s`, trackingTable, trackingColumns, upsertAssignments))
		if err != nil {
			return errors.WithStack(err)
		}
		defer stmt.Close()
		for _, record := range records {
			r, err := toRow(record)
			if err != nil {
				return err
			}
			_, err = stmt.ExecContext(ctx,
				r.jobId, r.chunkId, r.sinkId, r.status, r.priority, r.submitter,
				string(r.waitingOn), string(r.matchKeys), r.retries, r.lastModified.UnixMilli())
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

func (s *SqliteMapStore) Delete(ctx context.Context, key TrackingKey) error {
	return s.DeleteAll(ctx, []TrackingKey{key})
}

func (s *SqliteMapStore) DeleteAll(ctx context.Context, keys []TrackingKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE job_id = ? AND chunk_id = ?", trackingTable))
		if err != nil {
			return errors.WithStack(err)
		}
		defer stmt.Close()
		for _, key := range keys {
			if _, err := stmt.ExecContext(ctx, key.JobId, key.ChunkId); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

func (s *SqliteMapStore) withTx(ctx context.Context, action func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := action(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.WithStack(tx.Commit())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSqliteRow(scanner rowScanner) (row, error) {
	var r row
	var lastModified int64
	err := scanner.Scan(&r.jobId, &r.chunkId, &r.sinkId, &r.status, &r.priority, &r.submitter, &r.waitingOn, &r.matchKeys, &r.retries, &lastModified)
	r.lastModified = time.UnixMilli(lastModified).UTC()
	return r, err
}
