package jobscheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/nats-io/stan.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	commonconfig "github.com/dbcdk/dataio/internal/common/config"
	"github.com/dbcdk/dataio/internal/common/dataioerrors"
	"github.com/dbcdk/dataio/internal/common/logging"
	"github.com/dbcdk/dataio/internal/common/pulsarutils"
	stan_util "github.com/dbcdk/dataio/internal/common/stan-util"
	"github.com/dbcdk/dataio/internal/common/util"
	"github.com/dbcdk/dataio/internal/jobscheduler/completionlog"
	"github.com/dbcdk/dataio/internal/jobscheduler/dependencytracking"
)

type ChunkEventType string

const (
	// ChunkArrived carries a ChunkDescriptor to insert.
	ChunkArrived ChunkEventType = "arrived"
	// ChunkCompleted reports that a dispatched chunk has been processed by its sink.
	ChunkCompleted ChunkEventType = "completed"
	// JobAborted removes every tracked chunk of a job.
	JobAborted ChunkEventType = "aborted"
)

// ChunkEvent is the JSON payload published on the chunk events topic or subject.
type ChunkEvent struct {
	Type    ChunkEventType        `json:"type"`
	Chunk   *ChunkDescriptor      `json:"chunk,omitempty"`
	JobId   int                   `json:"jobId,omitempty"`
	ChunkId int                   `json:"chunkId,omitempty"`
	Outcome completionlog.Outcome `json:"outcome,omitempty"`
}

// EventHandler applies chunk events to the service.
type EventHandler struct {
	service *Service
}

func NewEventHandler(service *Service) *EventHandler {
	return &EventHandler{service: service}
}

// Handle decodes and applies one event. It returns true if the message should be acked
// and false if it should be redelivered.
// Events that can never succeed, i.e., undecodable or invalid ones and duplicates, are acked.
func (h *EventHandler) Handle(ctx context.Context, payload []byte) bool {
	log := ctxlogrus.Extract(ctx)

	var event ChunkEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		logging.WithStacktrace(log, errors.WithStack(err)).Error("failed to decode chunk event; discarding message")
		return true
	}
	log = log.WithField("event", event.Type)

	err := h.apply(ctx, event)
	switch {
	case err == nil:
		return true
	case dataioerrors.IsAlreadyExists(err), dataioerrors.IsNotFound(err):
		log.WithError(err).Info("duplicate chunk event; discarding message")
		return true
	case dataioerrors.IsInvalidArgument(err):
		logging.WithStacktrace(log, err).Error("invalid chunk event; discarding message")
		return true
	case dataioerrors.IsNotLeader(err):
		log.WithError(err).Debug("not leader; message will be redelivered")
		return false
	default:
		logging.WithStacktrace(log, err).Warn("failed to apply chunk event; message will be redelivered")
		return false
	}
}

func (h *EventHandler) apply(ctx context.Context, event ChunkEvent) error {
	switch event.Type {
	case ChunkArrived:
		if event.Chunk == nil {
			return invalidArgument("chunk", nil, "arrived event without chunk")
		}
		_, err := h.service.Insert(ctx, *event.Chunk)
		return err
	case ChunkCompleted:
		outcome := event.Outcome
		if outcome == "" {
			outcome = completionlog.Succeeded
		}
		return h.service.Complete(ctx, dependencytracking.NewTrackingKey(event.JobId, event.ChunkId), outcome)
	case JobAborted:
		_, err := h.service.RemoveJob(ctx, event.JobId)
		return err
	default:
		return invalidArgument("type", event.Type, "unknown chunk event type")
	}
}

// PulsarSource feeds chunk events received from a Pulsar subscription to an EventHandler.
type PulsarSource struct {
	consumer       pulsar.Consumer
	handler        *EventHandler
	receiveTimeout time.Duration
	backoffTime    time.Duration
	ack            func(pulsar.Message)
	nack           func(pulsar.Message)
}

func NewPulsarSource(consumer pulsar.Consumer, handler *EventHandler, receiveTimeout, backoffTime time.Duration) *PulsarSource {
	return &PulsarSource{
		consumer:       consumer,
		handler:        handler,
		receiveTimeout: receiveTimeout,
		backoffTime:    backoffTime,
		ack:            func(msg pulsar.Message) { consumer.Ack(msg) },
		nack:           consumer.Nack,
	}
}

// Run consumes until ctx is cancelled.
func (src *PulsarSource) Run(ctx context.Context) error {
	log := logrus.StandardLogger().WithField("service", "PulsarChunkEventSource")
	log.Info("service started")
	for msg := range pulsarutils.Receive(ctx, src.consumer, src.receiveTimeout, src.backoffTime) {
		messageLogger := log.WithField("messageId", msg.ID())
		if src.handler.Handle(ctxlogrus.ToContext(ctx, messageLogger), msg.Payload()) {
			src.ack(msg)
		} else {
			src.nack(msg)
		}
	}
	log.Info("service stopped")
	return nil
}

const stanSubscribeBackoff = 5 * time.Second

// StanSource feeds chunk events received on a NATS streaming subject to an EventHandler.
// Messages are acked manually; unacked messages are redelivered once AckWait has passed.
type StanSource struct {
	conn    *stan_util.DurableConnection
	config  commonconfig.StanConfig
	handler *EventHandler
}

func NewStanSource(conn *stan_util.DurableConnection, config commonconfig.StanConfig, handler *EventHandler) *StanSource {
	return &StanSource{conn: conn, config: config, handler: handler}
}

func (src *StanSource) subscriptionOptions() []stan.SubscriptionOption {
	opts := []stan.SubscriptionOption{
		stan.SetManualAckMode(),
		stan.DurableName(src.config.QueueGroup),
	}
	if src.config.AckWait > 0 {
		opts = append(opts, stan.AckWait(src.config.AckWait))
	}
	if src.config.MaxInflight > 0 {
		opts = append(opts, stan.MaxInflight(src.config.MaxInflight))
	}
	return opts
}

// Run subscribes and blocks until ctx is cancelled.
func (src *StanSource) Run(ctx context.Context) error {
	log := logrus.StandardLogger().WithField("service", "StanChunkEventSource")
	handle := func(msg *stan.Msg) {
		messageLogger := log.WithField("sequence", msg.Sequence)
		if !src.handler.Handle(ctxlogrus.ToContext(ctx, messageLogger), msg.Data) {
			return
		}
		if err := msg.Ack(); err != nil {
			logging.WithStacktrace(messageLogger, errors.WithStack(err)).Warn("failed to ack message")
		}
	}
	util.RetryUntilSuccess(
		ctx,
		func() error {
			return src.conn.QueueSubscribe(src.config.Subject, src.config.QueueGroup, handle, src.subscriptionOptions()...)
		},
		func(err error) {
			logging.WithStacktrace(log, err).Warnf("failed to subscribe to %s; retrying", src.config.Subject)
			select {
			case <-ctx.Done():
			case <-time.After(stanSubscribeBackoff):
			}
		},
	)
	if ctx.Err() == nil {
		log.Infof("subscribed to %s", src.config.Subject)
	}
	<-ctx.Done()
	log.Info("service stopped")
	return nil
}
