package jobscheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/dbcdk/dataio/internal/common/dataioerrors"
	"github.com/dbcdk/dataio/internal/common/logging"
	"github.com/dbcdk/dataio/internal/jobscheduler/dependencytracking"
)

const sinkStatusPrefix = "dataio:sinkstatus:"

func sinkStatusKey(sinkId int) string {
	return sinkStatusPrefix + strconv.Itoa(sinkId)
}

// SinkStatus is the snapshot of one sink published to Redis.
type SinkStatus struct {
	SinkId   int            `json:"sinkId"`
	Name     string         `json:"name"`
	Statuses map[string]int `json:"statuses"`
	Jobs     int            `json:"jobs"`
	Chunks   int            `json:"chunks"`
	InFlight int            `json:"inFlight"`
	Updated  time.Time      `json:"updated"`
}

// RedisStatusPublisher periodically writes a hash per sink with the current status counts,
// so that dashboards can read them without access to the scheduler.
// Keys expire if the publisher stops.
type RedisStatusPublisher struct {
	db            redis.UniversalClient
	service       *Service
	publishPeriod time.Duration
	clock         clock.WithTicker
	log           *logrus.Entry
}

func NewRedisStatusPublisher(db redis.UniversalClient, service *Service, publishPeriod time.Duration, clock clock.WithTicker) *RedisStatusPublisher {
	return &RedisStatusPublisher{
		db:            db,
		service:       service,
		publishPeriod: publishPeriod,
		clock:         clock,
		log:           logrus.StandardLogger().WithField("service", "RedisStatusPublisher"),
	}
}

func (p *RedisStatusPublisher) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.publishPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if !p.service.IsActive() {
				continue
			}
			if err := p.Publish(ctx); err != nil {
				logging.WithStacktrace(p.log, err).Warn("failed to publish sink status")
			}
		}
	}
}

// Publish writes the status of every sink in one transaction.
func (p *RedisStatusPublisher) Publish(ctx context.Context) error {
	statuses, err := p.service.CountStatuses(ctx)
	if err != nil {
		return err
	}
	inFlight := p.service.InFlight().Counts()
	now := p.clock.Now()

	pipe := p.db.TxPipeline()
	for _, sink := range p.service.Sinks() {
		jobs, err := p.service.CountJobs(ctx, sink.Id)
		if err != nil {
			return err
		}
		fields := map[string]interface{}{
			"name":     sink.Name,
			"jobs":     jobs.Jobs,
			"chunks":   jobs.Chunks,
			"inflight": inFlight[sink.Id],
			"updated":  now.UTC().Format(time.RFC3339Nano),
		}
		for _, status := range dependencytracking.ChunkSchedulingStatuses() {
			fields[status.String()] = statuses[sink.Id][status]
		}
		key := sinkStatusKey(sink.Id)
		pipe.Del(key)
		pipe.HMSet(key, fields)
		pipe.Expire(key, 3*p.publishPeriod)
	}
	_, err = pipe.Exec()
	return errors.WithStack(err)
}

// ReadSinkStatus reads the snapshot of sinkId last published to db.
func ReadSinkStatus(db redis.UniversalClient, sinkId int) (*SinkStatus, error) {
	result, err := db.HGetAll(sinkStatusKey(sinkId)).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(result) == 0 {
		return nil, notFoundSinkStatus(sinkId)
	}
	status := &SinkStatus{SinkId: sinkId, Name: result["name"], Statuses: make(map[string]int)}
	for _, s := range dependencytracking.ChunkSchedulingStatuses() {
		if status.Statuses[s.String()], err = atoi(result, s.String()); err != nil {
			return nil, err
		}
	}
	if status.Jobs, err = atoi(result, "jobs"); err != nil {
		return nil, err
	}
	if status.Chunks, err = atoi(result, "chunks"); err != nil {
		return nil, err
	}
	if status.InFlight, err = atoi(result, "inflight"); err != nil {
		return nil, err
	}
	if status.Updated, err = time.Parse(time.RFC3339Nano, result["updated"]); err != nil {
		return nil, errors.WithStack(err)
	}
	return status, nil
}

func notFoundSinkStatus(sinkId int) error {
	return errors.WithStack(&dataioerrors.ErrNotFound{
		Type:    "sink status",
		Value:   strconv.Itoa(sinkId),
		Message: "no snapshot has been published, or it has expired",
	})
}

func atoi(fields map[string]string, name string) (int, error) {
	v, err := strconv.Atoi(fields[name])
	return v, errors.Wrapf(err, "invalid value of field %s", name)
}
