package stan_util

import (
	"testing"
	"time"

	"github.com/nats-io/nats-streaming-server/server"
	"github.com/nats-io/stan.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClusterId = "test-cluster"

func runStreamingServer(t *testing.T, port int) *server.StanServer {
	opts := server.GetDefaultOptions()
	opts.ID = testClusterId
	natsOpts := server.DefaultNatsServerOptions
	natsOpts.Port = port
	s, err := server.RunServerWithOpts(opts, &natsOpts)
	require.NoError(t, err)
	return s
}

func TestDurableConnection_PublishAndSubscribe(t *testing.T) {
	s := runStreamingServer(t, 14223)
	defer s.Shutdown()

	conn, err := DurableConnect(testClusterId, "durable-connection-test", "nats://127.0.0.1:14223")
	require.NoError(t, err)
	defer conn.Close()
	assert.NoError(t, conn.Check())

	received := make(chan string, 1)
	err = conn.QueueSubscribe("subject", "group", func(msg *stan.Msg) {
		received <- string(msg.Data)
	}, stan.DurableName("group"))
	require.NoError(t, err)

	require.NoError(t, conn.Publish("subject", []byte("hello")))
	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-time.After(10 * time.Second):
		t.Fatal("no message received")
	}
}

func TestDurableConnect_NoServer(t *testing.T) {
	_, err := DurableConnect(testClusterId, "durable-connection-test", "nats://127.0.0.1:14299")
	assert.Error(t, err)
}
