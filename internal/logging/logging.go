// Package logging sets up the structured logger shared across the server's
// packages.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus logger configured for the server. debug raises the
// level to Debug; otherwise the server logs at Info.
func New(debug bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

// WithRequest returns a logging entry tagged with a RequestId field, the
// correlation key used across dispatcher and forwarder log lines.
func WithRequest(logger logrus.FieldLogger, requestID string) *logrus.Entry {
	return logger.WithField("request_id", requestID)
}

// WithObservation returns a logging entry tagged with an ObservationId
// field.
func WithObservation(logger logrus.FieldLogger, observationID uint64) *logrus.Entry {
	return logger.WithField("observation_id", observationID)
}

// WithClient returns a logging entry tagged with the client address a
// session is associated with.
func WithClient(logger logrus.FieldLogger, clientAddress string) *logrus.Entry {
	return logger.WithField("client_address", clientAddress)
}
