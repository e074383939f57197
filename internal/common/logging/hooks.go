package logging

import (
	pulsarlog "github.com/apache/pulsar-client-go/pulsar/log"
	"github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
)

// AddPrometheusHook registers a logrus hook exporting a prometheus counter of log lines per level.
func AddPrometheusHook(logger *logrus.Logger) error {
	hook, err := promrus.NewPrometheusHook()
	if err != nil {
		return err
	}
	logger.AddHook(hook)
	return nil
}

// NewPulsarLogger returns a logger for the pulsar client that writes through the standard logrus logger.
func NewPulsarLogger() pulsarlog.Logger {
	return pulsarlog.NewLoggerWithLogrus(logrus.StandardLogger())
}
