package dependencytracking

import (
	"context"
	"database/sql"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	commonconfig "github.com/dbcdk/dataio/internal/common/config"
	"github.com/dbcdk/dataio/internal/common/database"
)

var (
	col_sinkId = goqu.C("sink_id")
	col_status = goqu.C("status")
	col_jobId  = goqu.C("job_id")
)

// Reporter answers status queries directly from the dependencytracking table.
// It doesn't need a running scheduler and is used by the status command.
type Reporter struct {
	goquDb *goqu.Database
}

func NewReporter(db *sql.DB) *Reporter {
	return &Reporter{goquDb: goqu.New("postgres", db)}
}

func OpenReporter(config commonconfig.PostgresConfig) (*Reporter, error) {
	db, err := sql.Open("postgres", database.CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return NewReporter(db), nil
}

func (r *Reporter) Close() error {
	return r.goquDb.Db.(*sql.DB).Close()
}

type statusCountRow struct {
	SinkId int `db:"sink_id"`
	Status int `db:"status"`
	Count  int `db:"count"`
}

// StatusCounts returns the number of records per sink and status. All sinks are counted if none are given.
func (r *Reporter) StatusCounts(ctx context.Context, sinkIds ...int) (map[int]map[ChunkSchedulingStatus]int, error) {
	ds := r.goquDb.
		From(trackingTable).
		Select(col_sinkId, col_status, goqu.COUNT("*").As("count")).
		GroupBy(col_sinkId, col_status)
	if len(sinkIds) > 0 {
		ds = ds.Where(col_sinkId.In(sinkIds))
	}

	var rows []statusCountRow
	if err := ds.Prepared(true).ScanStructsContext(ctx, &rows); err != nil {
		return nil, errors.WithStack(err)
	}
	result := make(map[int]map[ChunkSchedulingStatus]int)
	for _, row := range rows {
		counts, ok := result[row.SinkId]
		if !ok {
			counts = make(map[ChunkSchedulingStatus]int)
			result[row.SinkId] = counts
		}
		counts[ChunkSchedulingStatus(row.Status)] = row.Count
	}
	return result, nil
}

type jobCountRow struct {
	Jobs   int `db:"jobs"`
	Chunks int `db:"chunks"`
}

// JobCounts returns the number of jobs and chunks tracked for sinkId.
func (r *Reporter) JobCounts(ctx context.Context, sinkId int) (JobCount, error) {
	var row jobCountRow
	_, err := r.goquDb.
		From(trackingTable).
		Select(goqu.COUNT(goqu.DISTINCT(col_jobId)).As("jobs"), goqu.COUNT("*").As("chunks")).
		Where(col_sinkId.Eq(sinkId)).
		Prepared(true).
		ScanStructContext(ctx, &row)
	if err != nil {
		return JobCount{}, errors.WithStack(err)
	}
	return JobCount{Jobs: row.Jobs, Chunks: row.Chunks}, nil
}
