package jobscheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	stanserver "github.com/nats-io/nats-streaming-server/server"
	"github.com/nats-io/stan.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonconfig "github.com/dbcdk/dataio/internal/common/config"
	"github.com/dbcdk/dataio/internal/common/pulsarutils"
	stan_util "github.com/dbcdk/dataio/internal/common/stan-util"
	"github.com/dbcdk/dataio/internal/jobscheduler/completionlog"
	"github.com/dbcdk/dataio/internal/jobscheduler/dependencytracking"
)

func mustMarshal(t *testing.T, v interface{}) []byte {
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	return payload
}

func arrived(c ChunkDescriptor) ChunkEvent {
	return ChunkEvent{Type: ChunkArrived, Chunk: &c}
}

func TestEventHandler_Handle(t *testing.T) {
	tests := map[string]struct {
		payload   func(t *testing.T) []byte
		notLeader bool
		ack       bool
	}{
		"arrived": {
			payload: func(t *testing.T) []byte { return mustMarshal(t, arrived(chunk(5, 0, sinkA, "r1"))) },
			ack:     true,
		},
		"duplicate arrival": {
			payload: func(t *testing.T) []byte { return mustMarshal(t, arrived(chunk(1, 0, sinkA, "r1"))) },
			ack:     true,
		},
		"completed": {
			payload: func(t *testing.T) []byte {
				return mustMarshal(t, ChunkEvent{Type: ChunkCompleted, JobId: 1, ChunkId: 0, Outcome: completionlog.Failed})
			},
			ack: true,
		},
		"completion of unknown chunk": {
			payload: func(t *testing.T) []byte {
				return mustMarshal(t, ChunkEvent{Type: ChunkCompleted, JobId: 9, ChunkId: 9})
			},
			ack: true,
		},
		"aborted": {
			payload: func(t *testing.T) []byte { return mustMarshal(t, ChunkEvent{Type: JobAborted, JobId: 1}) },
			ack:     true,
		},
		"invalid chunk": {
			payload: func(t *testing.T) []byte { return mustMarshal(t, arrived(chunk(5, 0, 42, "r1"))) },
			ack:     true,
		},
		"arrival without chunk": {
			payload: func(t *testing.T) []byte { return mustMarshal(t, ChunkEvent{Type: ChunkArrived}) },
			ack:     true,
		},
		"unknown event type": {
			payload: func(t *testing.T) []byte { return mustMarshal(t, ChunkEvent{Type: "resumed"}) },
			ack:     true,
		},
		"undecodable": {
			payload: func(t *testing.T) []byte { return []byte("{not json") },
			ack:     true,
		},
		"not leader": {
			payload:   func(t *testing.T) []byte { return mustMarshal(t, arrived(chunk(5, 0, sinkA, "r1"))) },
			notLeader: true,
			ack:       false,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestService(t)
			s.mustInsert(t, chunk(1, 0, sinkA, "r1"))
			if tc.notLeader {
				s.StepDown()
			}
			handler := NewEventHandler(s.Service)
			assert.Equal(t, tc.ack, handler.Handle(context.Background(), tc.payload(t)))
		})
	}
}

func TestEventHandler_AppliesEvents(t *testing.T) {
	s := newTestService(t)
	handler := NewEventHandler(s.Service)
	ctx := context.Background()

	require.True(t, handler.Handle(ctx, mustMarshal(t, arrived(chunk(1, 0, sinkA, "r1")))))
	require.True(t, handler.Handle(ctx, mustMarshal(t, arrived(chunk(2, 0, sinkA, "r1")))))
	assert.Equal(t, dependencytracking.Blocked, s.mustGet(t, key(2, 0)).Status)

	require.True(t, handler.Handle(ctx, []byte(`{"type":"completed","jobId":1,"chunkId":0}`)))
	assert.Equal(t, dependencytracking.QueuedForProcessing, s.mustGet(t, key(2, 0)).Status)

	require.True(t, handler.Handle(ctx, []byte(`{"type":"aborted","jobId":2}`)))
	assert.Equal(t, 0, s.mapStore.Len())
}

type testConsumer struct {
	pulsar.Consumer
	messages chan pulsar.Message
}

func (c *testConsumer) Receive(ctx context.Context) (pulsar.Message, error) {
	select {
	case msg := <-c.messages:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type ackRecorder struct {
	mu     sync.Mutex
	acked  []string
	nacked []string
}

func (r *ackRecorder) record(list *[]string) func(pulsar.Message) {
	return func(msg pulsar.Message) {
		r.mu.Lock()
		defer r.mu.Unlock()
		*list = append(*list, string(msg.Payload()))
	}
}

func (r *ackRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acked), len(r.nacked)
}

func TestPulsarSource(t *testing.T) {
	s := newTestService(t)
	consumer := &testConsumer{messages: make(chan pulsar.Message, 10)}
	source := NewPulsarSource(consumer, NewEventHandler(s.Service), 10*time.Millisecond, time.Millisecond)
	recorder := &ackRecorder{}
	source.ack = recorder.record(&recorder.acked)
	source.nack = recorder.record(&recorder.nacked)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- source.Run(ctx) }()

	consumer.messages <- pulsarutils.NewPulsarMessage(1, baseTime, mustMarshal(t, arrived(chunk(1, 0, sinkA, "r1"))))
	consumer.messages <- pulsarutils.NewPulsarMessage(2, baseTime, []byte("garbage"))
	assert.Eventually(t, func() bool {
		acked, _ := recorder.counts()
		return acked == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, s.store.Contains(key(1, 0)))

	s.StepDown()
	consumer.messages <- pulsarutils.NewPulsarMessage(3, baseTime, mustMarshal(t, arrived(chunk(2, 0, sinkA, "r1"))))
	assert.Eventually(t, func() bool {
		_, nacked := recorder.counts()
		return nacked == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("source didn't stop")
	}
}

func TestStanSource_SubscriptionOptions(t *testing.T) {
	source := NewStanSource(nil, stanConfigForTest(), nil)
	assert.Len(t, source.subscriptionOptions(), 4)

	config := stanConfigForTest()
	config.AckWait = 0
	config.MaxInflight = 0
	source = NewStanSource(nil, config, nil)
	assert.Len(t, source.subscriptionOptions(), 2)
}

func stanConfigForTest() commonconfig.StanConfig {
	return commonconfig.StanConfig{
		ClusterId:   "test-cluster",
		ClientId:    "jobscheduler",
		Urls:        "nats://localhost:4222",
		Subject:     "chunk-events",
		QueueGroup:  "jobscheduler",
		AckWait:     30 * time.Second,
		MaxInflight: 100,
	}
}

func TestStanSource_EndToEnd(t *testing.T) {
	opts := stanserver.GetDefaultOptions()
	opts.ID = "test-cluster"
	natsOpts := stanserver.DefaultNatsServerOptions
	natsOpts.Port = 14224
	streamingServer, err := stanserver.RunServerWithOpts(opts, &natsOpts)
	require.NoError(t, err)
	defer streamingServer.Shutdown()

	config := stanConfigForTest()
	config.Urls = "nats://127.0.0.1:14224"
	config.DispatchSubjectPrefix = "sink-"
	conn, err := stan_util.DurableConnect(config.ClusterId, config.ClientId, config.Urls)
	require.NoError(t, err)
	defer conn.Close()

	s := newTestService(t)
	source := NewStanSource(conn, config, NewEventHandler(s.Service))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- source.Run(ctx) }()

	require.NoError(t, conn.Publish(config.Subject, mustMarshal(t, arrived(chunk(1, 0, sinkA, "r1")))))
	assert.Eventually(t, func() bool {
		return s.store.Contains(key(1, 0))
	}, 10*time.Second, 10*time.Millisecond)

	dispatched := make(chan DispatchMessage, 1)
	require.NoError(t, conn.QueueSubscribe("sink-1", "test", func(msg *stan.Msg) {
		var m DispatchMessage
		if json.Unmarshal(msg.Data, &m) == nil {
			dispatched <- m
		}
	}))
	workers := NewStanSinkWorkers(conn, config, s.Sinks())
	require.NoError(t, workers[sinkA].Dispatch(context.Background(), s.mustGet(t, key(1, 0))))
	select {
	case m := <-dispatched:
		assert.Equal(t, 1, m.JobId)
		assert.Equal(t, sinkA, m.SinkId)
	case <-time.After(10 * time.Second):
		t.Fatal("no dispatch received")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("source didn't stop")
	}
}
