package config

import (
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
)

type PostgresConfig struct {
	// Connection parameters in libpq key/value form, e.g., host, port, user, password, dbname, sslmode.
	Connection map[string]string `validate:"required"`
	// Maximum number of connections in the pool; 0 uses the pgx default.
	MaxOpenConns int32
}

type PulsarConfig struct {
	// Pulsar URL
	URL string `validate:"required"`
	// Path to the trusted TLS certificate file (must exist)
	TLSTrustCertsFilePath string
	// Whether Pulsar client accept untrusted TLS certificate from broker
	TLSAllowInsecureConnection bool
	// Whether the Pulsar client will validate the hostname in the broker's TLS Cert matches the actual hostname.
	TLSValidateHostname bool
	// Max number of connections to a single broker that will be kept in the pool. (Default: 1 connection)
	MaxConnectionsPerBroker int
	// Whether Pulsar authentication is enabled
	AuthenticationEnabled bool
	// Authentication type. For now only "JWT" auth is valid
	AuthenticationType string
	// Path to the JWT token (must exist). This must be set if AuthenticationType is "JWT"
	JwtTokenPath string
	// Topic on which chunk arrival and completion events are received
	ChunkEventsTopic string
	// Name of the subscription used to consume chunk events
	SubscriptionName string
	// Dispatched chunks for sink n are published to DispatchTopicPrefix + n
	DispatchTopicPrefix string
	CompressionType     pulsar.CompressionType
	CompressionLevel    pulsar.CompressionLevel
	// Timeout to use when sending messages to pulsar
	SendTimeout time.Duration
	// Delay before a nacked message is redelivered
	NackRedeliveryDelay time.Duration
}

type StanConfig struct {
	ClusterId  string `validate:"required"`
	ClientId   string `validate:"required"`
	Urls       string `validate:"required"`
	Subject    string `validate:"required"`
	QueueGroup string `validate:"required"`
	// Dispatched chunks for sink n are published to DispatchSubjectPrefix + n
	DispatchSubjectPrefix string
	// Time the server waits for an ack before redelivering
	AckWait time.Duration
	// Maximum number of unacknowledged messages delivered to this subscriber
	MaxInflight int
}

type HttpConfig struct {
	Port uint16 `validate:"required"`
}
