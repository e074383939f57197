package pulsarutils

import (
	"strings"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"

	commonconfig "github.com/dbcdk/dataio/internal/common/config"
	"github.com/dbcdk/dataio/internal/common/dataioerrors"
	"github.com/dbcdk/dataio/internal/common/logging"
)

func NewPulsarClient(config *commonconfig.PulsarConfig) (pulsar.Client, error) {
	var authentication pulsar.Authentication

	if config.AuthenticationEnabled {
		jwtPath, err := getTokenPath(config)
		if err != nil {
			return nil, err
		}
		authentication = pulsar.NewAuthenticationTokenFromFile(jwtPath)
	}

	return pulsar.NewClient(pulsar.ClientOptions{
		URL:                        config.URL,
		TLSTrustCertsFilePath:      config.TLSTrustCertsFilePath,
		TLSValidateHostname:        config.TLSValidateHostname,
		TLSAllowInsecureConnection: config.TLSAllowInsecureConnection,
		MaxConnectionsPerBroker:    config.MaxConnectionsPerBroker,
		Authentication:             authentication,
		Logger:                     logging.NewPulsarLogger(),
	})
}

func getTokenPath(config *commonconfig.PulsarConfig) (string, error) {
	if strings.ToLower(config.AuthenticationType) != "jwt" {
		return "", errors.WithStack(&dataioerrors.ErrInvalidArgument{
			Name:    "pulsar.AuthenticationType",
			Value:   config.AuthenticationType,
			Message: "Only JWT Authentication for Pulsar is supported right now.",
		})
	}
	if strings.TrimSpace(config.JwtTokenPath) == "" {
		return "", errors.WithStack(&dataioerrors.ErrInvalidArgument{
			Name:    "pulsar.JwtTokenPath",
			Value:   config.JwtTokenPath,
			Message: "JWT authentication was configured for Pulsar but no JwtTokenPath was supplied",
		})
	}
	return config.JwtTokenPath, nil
}
