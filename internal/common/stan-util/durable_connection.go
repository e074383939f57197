package stan_util

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DurableConnection is a STAN connection that transparently reconnects and restores its
// queue subscriptions whenever the streaming server drops the client.
type DurableConnection struct {
	mutex sync.RWMutex

	options       []stan.Option
	clientID      string
	stanClusterID string

	subscriptions   []func(conn stan.Conn) (stan.Subscription, error)
	active          []stan.Subscription
	reconnectPeriod time.Duration
	closed          bool

	currentConn stan.Conn
	nc          *nats.Conn
}

func DurableConnect(stanClusterID, clientID, urls string, options ...stan.Option) (*DurableConnection, error) {
	// The underlying NATS connection reconnects automatically, so only the STAN session needs renewing.
	// Keeping one NATS connection around lets acks survive a lost STAN session.
	nc, err := nats.Connect(urls,
		nats.Name(clientID),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(-1))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	conn := &DurableConnection{
		stanClusterID:   stanClusterID,
		clientID:        clientID,
		nc:              nc,
		reconnectPeriod: time.Second,
	}
	conn.options = append(options, stan.SetConnectionLostHandler(conn.onConnectionLost), stan.NatsConn(nc))
	if err := conn.reconnect(); err != nil {
		nc.Close()
		return nil, err
	}
	return conn, nil
}

func (c *DurableConnection) Publish(subject string, data []byte) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return errors.WithStack(c.currentConn.Publish(subject, data))
}

// QueueSubscribe subscribes cb to subject as a member of qgroup.
// The subscription is re-established on every reconnect.
func (c *DurableConnection) QueueSubscribe(subject, qgroup string, cb stan.MsgHandler, opts ...stan.SubscriptionOption) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	s := func(conn stan.Conn) (stan.Subscription, error) {
		return conn.QueueSubscribe(subject, qgroup, cb, opts...)
	}
	sub, err := s(c.currentConn)
	if err != nil {
		return errors.WithStack(err)
	}
	c.subscriptions = append(c.subscriptions, s)
	c.active = append(c.active, sub)
	return nil
}

// Close closes the subscriptions without unsubscribing, so durable queue groups keep their position.
func (c *DurableConnection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.closed = true
	for _, sub := range c.active {
		if err := sub.Close(); err != nil {
			log.WithError(err).Warn("Error while closing STAN subscription")
		}
	}
	c.active = nil
	err := c.currentConn.Close()
	c.nc.Close()
	return errors.WithStack(err)
}

func (c *DurableConnection) Check() error {
	c.mutex.RLock()
	currentConn := c.currentConn
	c.mutex.RUnlock()
	if currentConn == nil {
		return errors.New("No NATS connection")
	}

	natsConn := currentConn.NatsConn()
	if natsConn == nil {
		return errors.New("No NATS connection")
	}

	if !natsConn.IsConnected() {
		return errors.New("Not connected to NATS")
	}

	return nil
}

func (c *DurableConnection) onConnectionLost(_ stan.Conn, e error) {
	log.WithError(e).Warn("STAN connection lost")
	// Runs in its own goroutine, so it can block until the connection is back.
	for {
		c.mutex.RLock()
		closed := c.closed
		c.mutex.RUnlock()
		if closed {
			return
		}
		err := c.reconnect()
		if err == nil {
			return
		}
		log.Errorf("Error while reconnecting to STAN: %v", err)
		time.Sleep(c.reconnectPeriod)
	}
}

func (c *DurableConnection) reconnect() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.currentConn != nil {
		c.closeConnection()
	}

	newConnection, err := stan.Connect(c.stanClusterID, c.clientID, c.options...)
	c.currentConn = newConnection
	if err != nil {
		log.Errorf("Error while connecting to STAN: %v", err)
		return errors.WithStack(err)
	}

	c.active = c.active[:0]
	for _, s := range c.subscriptions {
		sub, err := s(c.currentConn)
		if err != nil {
			// on any subscription error consider connection unsuccessful
			log.Errorf("Error while resubscribing to STAN: %v", err)
			c.closeConnection()
			return errors.WithStack(err)
		}
		c.active = append(c.active, sub)
	}

	return nil
}

func (c *DurableConnection) closeConnection() {
	if c.currentConn == nil {
		return
	}
	err := c.currentConn.Close()
	if err != nil {
		log.Errorf("Error while closing STAN connection: %v", err)
	}
}
