// Package logging provides the relay's structured logger. Callers import
// this package instead of logrus directly so the backing library stays an
// implementation detail.
package logging

import (
	"github.com/sirupsen/logrus"

	"parkbeat/pkg/config"
)

// Logger is the shared structured logger handle.
type Logger = *logrus.Logger

// Fields attaches structured context to one entry.
type Fields = logrus.Fields

// NewLogger returns a JSON-formatted logger at the level LOG_LEVEL selects.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService stamps every entry with the service name, so logs
// from co-deployed relay processes stay attributable.
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()
	logger.AddHook(&serviceHook{service: serviceName})
	return logger
}

type serviceHook struct {
	service string
}

func (h *serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *serviceHook) Fire(entry *logrus.Entry) error {
	entry.Data["service"] = h.service
	return nil
}
