package completionlog

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/dbcdk/dataio/internal/common/dataioerrors"
	"github.com/dbcdk/dataio/internal/common/logging"
	"github.com/dbcdk/dataio/internal/jobscheduler/dependencytracking"
)

// Outcome is the final result of processing a chunk.
type Outcome string

const (
	Succeeded Outcome = "SUCCEEDED"
	Failed    Outcome = "FAILED"
)

func (o Outcome) Valid() bool {
	return o == Succeeded || o == Failed
}

// Log records which chunks have completed, so that a chunk arriving again after completion can be rejected.
type Log interface {
	// Add records key as completed. Returns an *dataioerrors.ErrAlreadyExists if key was recorded before.
	Add(ctx context.Context, key dependencytracking.TrackingKey, sinkId int, outcome Outcome) error
	Contains(ctx context.Context, key dependencytracking.TrackingKey) (bool, error)
}

func alreadyCompleted(key dependencytracking.TrackingKey) error {
	return errors.WithStack(&dataioerrors.ErrAlreadyExists{
		Type:    "completed chunk",
		Value:   key.String(),
		Message: "chunk has already completed",
	})
}

// PostgresLog is a write-once Log backed by the completed_chunks table with a local LRU cache.
// Entries are only removed by Prune. Pruning doesn't evict cached entries,
// so a node may consider a pruned key completed until it falls out of its cache.
type PostgresLog struct {
	cache *lru.Cache
	db    *pgxpool.Pool
	clock clock.WithTicker
}

func NewPostgresLog(db *pgxpool.Pool, cacheSize int, clock clock.WithTicker) (*PostgresLog, error) {
	if db == nil {
		return nil, errors.WithStack(&dataioerrors.ErrInvalidArgument{
			Name:    "db",
			Value:   db,
			Message: "db must be non-nil",
		})
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &PostgresLog{
		cache: cache,
		db:    db,
		clock: clock,
	}, nil
}

func (l *PostgresLog) Add(ctx context.Context, key dependencytracking.TrackingKey, sinkId int, outcome Outcome) error {
	if l.cache.Contains(key) {
		return alreadyCompleted(key)
	}
	tag, err := l.db.Exec(ctx,
		`INSERT INTO completed_chunks (job_id, chunk_id, sink_id, outcome, inserted)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
		key.JobId, key.ChunkId, sinkId, string(outcome), l.clock.Now())
	if err != nil {
		return errors.WithStack(err)
	}
	// Only cache keys known to be in postgres.
	l.cache.Add(key, outcome)
	if tag.RowsAffected() == 0 {
		return alreadyCompleted(key)
	}
	return nil
}

func (l *PostgresLog) Contains(ctx context.Context, key dependencytracking.TrackingKey) (bool, error) {
	if l.cache.Contains(key) {
		return true, nil
	}
	var outcome string
	err := l.db.QueryRow(ctx,
		"SELECT outcome FROM completed_chunks WHERE job_id = $1 AND chunk_id = $2",
		key.JobId, key.ChunkId).Scan(&outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, errors.WithStack(err)
	}
	l.cache.Add(key, Outcome(outcome))
	return true, nil
}

// Prune removes entries older than retention and returns the number removed.
func (l *PostgresLog) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := l.db.Exec(ctx, "DELETE FROM completed_chunks WHERE inserted <= $1", l.clock.Now().Add(-retention))
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return tag.RowsAffected(), nil
}

// PeriodicCleanup prunes entries older than retention every interval until ctx is cancelled.
func (l *PostgresLog) PeriodicCleanup(ctx context.Context, interval time.Duration, retention time.Duration) error {
	log := logrus.StandardLogger().WithField("service", "CompletionLogCleanup")
	log.Info("service started")
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			start := l.clock.Now()
			n, err := l.Prune(ctx, retention)
			if err != nil {
				logging.WithStacktrace(log, err).WithField("delay", l.clock.Since(start)).Warn("cleanup failed")
			} else {
				log.WithField("delay", l.clock.Since(start)).Infof("cleanup removed %d entries", n)
			}
		}
	}
}

// MemoryLog is a Log held only in an LRU cache, used when no postgres database is configured.
// Completions older than the cache capacity are forgotten.
type MemoryLog struct {
	cache *lru.Cache
}

func NewMemoryLog(cacheSize int) (*MemoryLog, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemoryLog{cache: cache}, nil
}

func (l *MemoryLog) Add(_ context.Context, key dependencytracking.TrackingKey, _ int, outcome Outcome) error {
	if ok, _ := l.cache.ContainsOrAdd(key, outcome); ok {
		return alreadyCompleted(key)
	}
	return nil
}

func (l *MemoryLog) Contains(_ context.Context, key dependencytracking.TrackingKey) (bool, error) {
	return l.cache.Contains(key), nil
}
