package configuration

import (
	"time"

	"github.com/pkg/errors"

	commonconfig "github.com/dbcdk/dataio/internal/common/config"
	"github.com/dbcdk/dataio/internal/jobscheduler/matchkeys"
)

type Configuration struct {
	// How often the dispatch cycle runs
	CyclePeriod time.Duration `validate:"required"`
	// How often prometheus metrics are recomputed
	MetricsRefreshPeriod time.Duration `validate:"required"`
	// How long the HTTP API caches aggregated status counts
	AggregateCacheTtl time.Duration
	// Number of in-memory partitions of the dependency tracking store
	Partitions  int `validate:"required,gte=1"`
	Persistence PersistenceConfig
	// Only used if Persistence.Backend is postgres
	Postgres      commonconfig.PostgresConfig `validate:"-"`
	CompletionLog CompletionLogConfig
	Leader        LeaderConfig
	Ingestion     IngestionConfig
	// Only used if Ingestion.Transport is pulsar
	Pulsar commonconfig.PulsarConfig `validate:"-"`
	// Only used if Ingestion.Transport is stan
	Stan  commonconfig.StanConfig `validate:"-"`
	Redis RedisConfig             `validate:"-"`
	Http  commonconfig.HttpConfig
	Sinks []SinkConfig `validate:"required,dive"`
}

type PersistenceConfig struct {
	// One of postgres, sqlite or memory
	Backend string `validate:"oneof=postgres sqlite memory"`
	// Location of the database file when Backend is sqlite
	SqlitePath string
	// Number of records loaded per query when rehydrating the store
	LoadBatchSize int `validate:"gte=1"`
	// Attempts per database call, including the first
	RetryAttempts uint `validate:"gte=1"`
	// Initial backoff between attempts
	RetryDelay time.Duration
	// Upper bound on a single database call
	CallTimeout time.Duration
}

type CompletionLogConfig struct {
	// Number of completed chunks cached in memory
	CacheSize int `validate:"gte=1"`
	// Completed chunks older than this are forgotten
	Retention time.Duration
	// How often old completed chunks are pruned
	CleanupInterval time.Duration
}

type LeaderConfig struct {
	// Valid modes are "standalone" or "kubernetes"
	Mode string `validate:"required"`
	// Name of the K8s Lock Object
	LeaseLockName string
	// Namespace of the K8s Lock Object
	LeaseLockNamespace string
	// The name of the pod
	PodName string
	// How long the lease is held for.
	// Non leaders much wait this long before trying to acquire the lease
	LeaseDuration time.Duration
	// RenewDeadline is the duration that the acting leader will retry refreshing leadership before giving up.
	RenewDeadline time.Duration
	// RetryPeriod is the duration the LeaderElector clients should waite between tries of actions.
	RetryPeriod time.Duration
}

type IngestionConfig struct {
	// Where chunk events are received from and dispatched chunks are sent to: pulsar, stan or none
	Transport string `validate:"oneof=pulsar stan none"`
	// Maximum time to wait for a pulsar message before checking for cancellation
	ReceiveTimeout time.Duration
	// Time to wait after a failed receive
	BackoffTime time.Duration
}

type RedisConfig struct {
	commonconfig.RedisConfig `mapstructure:",squash"`
	// Publish per-sink status snapshots to redis
	Enabled bool
	// How often snapshots are published
	PublishPeriod time.Duration
}

type SinkConfig struct {
	Id   int    `validate:"gte=1"`
	Name string `validate:"required"`
	// Maximum number of chunks in flight to the sink at any time
	Slots int `validate:"gte=1"`
	// How collision keys are derived from the records of a chunk
	KeyPolicy matchkeys.Policy
	// Whether jobs of one submitter are delivered to the sink one after the other
	JobBarrier bool
	// In-flight chunks are dispatched again after this long; 0 disables redispatch
	RedispatchTimeout time.Duration
}

// Validate checks the configuration, including the sections of the backends and transports in use.
func (c Configuration) Validate() error {
	if err := commonconfig.Validate(c); err != nil {
		return err
	}
	if c.Persistence.Backend == "postgres" {
		if err := commonconfig.Validate(c.Postgres); err != nil {
			return err
		}
	}
	switch c.Ingestion.Transport {
	case "pulsar":
		if err := commonconfig.Validate(c.Pulsar); err != nil {
			return err
		}
	case "stan":
		if err := commonconfig.Validate(c.Stan); err != nil {
			return err
		}
	}
	if c.Redis.Enabled {
		if err := commonconfig.Validate(c.Redis.RedisConfig); err != nil {
			return err
		}
	}
	_, err := c.SinkById()
	return err
}

// SinkById returns the configured sinks keyed by id.
func (c Configuration) SinkById() (map[int]SinkConfig, error) {
	sinks := make(map[int]SinkConfig, len(c.Sinks))
	for _, sink := range c.Sinks {
		if _, ok := sinks[sink.Id]; ok {
			return nil, errors.Errorf("sink id %d is configured more than once", sink.Id)
		}
		sinks[sink.Id] = sink
	}
	return sinks, nil
}
