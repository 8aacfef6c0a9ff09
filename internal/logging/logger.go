package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"clubledger/internal/config"
)

// New builds the process logger from the log section of the configuration.
func New(cfg config.LogConfig) *logrus.Logger {
	return newWithOutput(cfg, os.Stdout)
}

func newWithOutput(cfg config.LogConfig, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// Component returns a child logger tagged with the subsystem name.
func Component(logger logrus.FieldLogger, name string) logrus.FieldLogger {
	return logger.WithField("component", name)
}

// LogError records err with the module/function/context fields used across the service.
func LogError(logger logrus.FieldLogger, funcName string, context string, data any, err error) {
	fields := logrus.Fields{
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}

// Discard returns a logger that drops everything; used by tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
