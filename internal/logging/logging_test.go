package logging_test

import (
	"testing"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/HaddajiForks/Savage-Files/internal/logging"
)

func TestNew(t *testing.T) {
	logger, err := logging.New("debug", "json")
	require.NoError(t, err)
	require.Equal(t, logrus.DebugLevel, logger.GetLevel())
	require.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger, err = logging.New("warn", "")
	require.NoError(t, err)
	require.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	_, err = logging.New("loud", "json")
	require.True(t, errors.Is(err, errors.NotValid))

	_, err = logging.New("info", "xml")
	require.True(t, errors.Is(err, errors.NotValid))
}
