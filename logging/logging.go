package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"driver-state-service/config"
)

// New builds the process logger. Unknown levels fall back to info.
func New(cfg config.LogConfig, service string) *logrus.Entry {
	return NewWithOutput(cfg, service, os.Stdout)
}

func NewWithOutput(cfg config.LogConfig, service string, out io.Writer) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(out)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	return log.WithField("service", service)
}

// Discard is a logger for tests and tools that should stay quiet.
func Discard() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}
