package logging

import (
	pulsarlog "github.com/apache/pulsar-client-go/pulsar/log"
	"github.com/sirupsen/logrus"
)

// NewPulsarLogger returns a logger for the pulsar client that writes through the standard logrus logger.
// The client is chatty at info, so only warnings and above are kept.
func NewPulsarLogger() pulsarlog.Logger {
	logger := logrus.New()
	logger.SetFormatter(logrus.StandardLogger().Formatter)
	logger.SetOutput(logrus.StandardLogger().Out)
	logger.SetLevel(logrus.WarnLevel)
	return pulsarlog.NewLoggerWithLogrus(logger)
}
