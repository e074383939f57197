package jobscheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	commonconfig "github.com/dbcdk/dataio/internal/common/config"
	stan_util "github.com/dbcdk/dataio/internal/common/stan-util"
	"github.com/dbcdk/dataio/internal/jobscheduler/configuration"
)

// DispatchMessage tells a sink to process a chunk.
type DispatchMessage struct {
	JobId     int `json:"jobId"`
	ChunkId   int `json:"chunkId"`
	SinkId    int `json:"sinkId"`
	Submitter int `json:"submitter"`
	Priority  int `json:"priority"`
	// Number of earlier dispatches of the chunk that timed out
	Retries int `json:"retries"`
}

func newDispatchMessage(record *DependencyTracking) DispatchMessage {
	return DispatchMessage{
		JobId:     record.JobId,
		ChunkId:   record.ChunkId,
		SinkId:    record.SinkId,
		Submitter: record.Submitter,
		Priority:  record.Priority,
		Retries:   record.Retries,
	}
}

// PulsarSinkWorker publishes dispatch messages on the topic of one sink.
type PulsarSinkWorker struct {
	producer    pulsar.Producer
	sendTimeout time.Duration
}

func NewPulsarSinkWorker(producer pulsar.Producer, sendTimeout time.Duration) *PulsarSinkWorker {
	return &PulsarSinkWorker{producer: producer, sendTimeout: sendTimeout}
}

func (w *PulsarSinkWorker) Dispatch(ctx context.Context, record *DependencyTracking) error {
	payload, err := json.Marshal(newDispatchMessage(record))
	if err != nil {
		return errors.WithStack(err)
	}
	if w.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.sendTimeout)
		defer cancel()
	}
	_, err = w.producer.Send(ctx, &pulsar.ProducerMessage{
		Payload: payload,
		// Chunks of a job share a key so that key-shared subscribers see them on one consumer.
		Key: strconv.Itoa(record.JobId),
		Properties: map[string]string{
			"chunk": record.Key().String(),
		},
	})
	return errors.Wrapf(err, "error dispatching chunk %s to %s", record.Key(), w.producer.Topic())
}

// NewPulsarSinkWorkers creates one producer per sink. The returned function closes them.
func NewPulsarSinkWorkers(client pulsar.Client, config commonconfig.PulsarConfig, sinks []configuration.SinkConfig) (map[int]SinkWorker, func(), error) {
	workers := make(map[int]SinkWorker, len(sinks))
	producers := make([]pulsar.Producer, 0, len(sinks))
	closeAll := func() {
		for _, producer := range producers {
			producer.Close()
		}
	}
	for _, sink := range sinks {
		topic := config.DispatchTopicPrefix + strconv.Itoa(sink.Id)
		name := fmt.Sprintf("jobscheduler-%s-%s", sink.Name, uuid.NewString())
		producer, err := client.CreateProducer(pulsar.ProducerOptions{
			Name:             name,
			Topic:            topic,
			CompressionType:  config.CompressionType,
			CompressionLevel: config.CompressionLevel,
		})
		if err != nil {
			closeAll()
			return nil, nil, errors.Wrapf(err, "error creating pulsar producer %s", name)
		}
		producers = append(producers, producer)
		workers[sink.Id] = NewPulsarSinkWorker(producer, config.SendTimeout)
	}
	return workers, closeAll, nil
}

// StanSinkWorker publishes dispatch messages on the NATS streaming subject of one sink.
type StanSinkWorker struct {
	conn    *stan_util.DurableConnection
	subject string
}

func NewStanSinkWorkers(conn *stan_util.DurableConnection, config commonconfig.StanConfig, sinks []configuration.SinkConfig) map[int]SinkWorker {
	workers := make(map[int]SinkWorker, len(sinks))
	for _, sink := range sinks {
		workers[sink.Id] = &StanSinkWorker{
			conn:    conn,
			subject: config.DispatchSubjectPrefix + strconv.Itoa(sink.Id),
		}
	}
	return workers
}

func (w *StanSinkWorker) Dispatch(_ context.Context, record *DependencyTracking) error {
	payload, err := json.Marshal(newDispatchMessage(record))
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithMessagef(w.conn.Publish(w.subject, payload), "error dispatching chunk %s to %s", record.Key(), w.subject)
}

// LogSinkWorker only logs dispatches. Used when no transport is configured.
type LogSinkWorker struct {
	log *logrus.Entry
}

func NewLogSinkWorkers(sinks []configuration.SinkConfig) map[int]SinkWorker {
	workers := make(map[int]SinkWorker, len(sinks))
	for _, sink := range sinks {
		workers[sink.Id] = &LogSinkWorker{
			log: logrus.StandardLogger().WithFields(logrus.Fields{"service": "LogSinkWorker", "sink": sink.Name}),
		}
	}
	return workers
}

func (w *LogSinkWorker) Dispatch(_ context.Context, record *DependencyTracking) error {
	w.log.WithFields(logrus.Fields{
		"chunk":    record.Key().String(),
		"priority": record.Priority,
		"retries":  record.Retries,
	}).Info("dispatched chunk")
	return nil
}
