// Package logging builds the process logger.
package logging

import (
	"os"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// New returns a logger writing to stderr at level, formatted as "json" or
// "text".
func New(level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.NewNotValid(err, "log level")
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(lvl)
	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, errors.NotValidf("log format %q", format)
	}
	return logger, nil
}
