package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbcdk/dataio/internal/common"
	commonconfig "github.com/dbcdk/dataio/internal/common/config"
	"github.com/dbcdk/dataio/internal/jobscheduler/matchkeys"
)

func validConfiguration() Configuration {
	return Configuration{
		CyclePeriod:          time.Second,
		MetricsRefreshPeriod: time.Second,
		Partitions:           4,
		Persistence: PersistenceConfig{
			Backend:       "memory",
			LoadBatchSize: 100,
			RetryAttempts: 3,
		},
		CompletionLog: CompletionLogConfig{CacheSize: 10},
		Leader:        LeaderConfig{Mode: "standalone"},
		Ingestion:     IngestionConfig{Transport: "none"},
		Http:          commonconfig.HttpConfig{Port: 8080},
		Sinks: []SinkConfig{
			{Id: 1, Name: "dummy", Slots: 2},
			{Id: 2, Name: "ims", Slots: 1, KeyPolicy: matchkeys.SinkWidePolicy, JobBarrier: true},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		modify func(c *Configuration)
		valid  bool
	}{
		"valid": {
			modify: func(c *Configuration) {},
			valid:  true,
		},
		"unknown backend": {
			modify: func(c *Configuration) { c.Persistence.Backend = "oracle" },
		},
		"sink without slots": {
			modify: func(c *Configuration) { c.Sinks[0].Slots = 0 },
		},
		"sink without name": {
			modify: func(c *Configuration) { c.Sinks[1].Name = "" },
		},
		"no partitions": {
			modify: func(c *Configuration) { c.Partitions = 0 },
		},
		"pulsar without url": {
			modify: func(c *Configuration) { c.Ingestion.Transport = "pulsar" },
		},
		"pulsar with url": {
			modify: func(c *Configuration) {
				c.Ingestion.Transport = "pulsar"
				c.Pulsar.URL = "pulsar://localhost:6650"
			},
			valid: true,
		},
		"postgres without connection": {
			modify: func(c *Configuration) { c.Persistence.Backend = "postgres" },
		},
		"duplicate sink": {
			modify: func(c *Configuration) { c.Sinks[1].Id = 1 },
		},
		"unknown transport": {
			modify: func(c *Configuration) { c.Ingestion.Transport = "carrier-pigeon" },
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			config := validConfiguration()
			tc.modify(&config)
			err := config.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSinkById(t *testing.T) {
	config := validConfiguration()
	sinks, err := config.SinkById()
	require.NoError(t, err)
	assert.Len(t, sinks, 2)
	assert.True(t, sinks[2].JobBarrier)

	config.Sinks = append(config.Sinks, SinkConfig{Id: 1, Name: "again", Slots: 1})
	_, err = config.SinkById()
	assert.Error(t, err)
}

func TestDefaultConfigFile(t *testing.T) {
	var config Configuration
	common.LoadConfig(&config, "../../../config/jobscheduler", nil)
	require.NoError(t, config.Validate())

	assert.Equal(t, "postgres", config.Persistence.Backend)
	assert.Equal(t, "5432", config.Postgres.Connection["port"])
	assert.Equal(t, 10*time.Second, config.Pulsar.NackRedeliveryDelay)
	assert.Equal(t, []string{"localhost:6379"}, config.Redis.Addrs)
	require.Len(t, config.Sinks, 3)
	assert.Equal(t, 30*time.Minute, config.Sinks[0].RedispatchTimeout)
	assert.True(t, config.Sinks[1].JobBarrier)
	assert.Equal(t, matchkeys.NoOrderPolicy, config.Sinks[2].KeyPolicy)
}
