package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		logger, err := NewLogger(Config{Level: "debug", Format: format})
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(zap.DebugLevel))
	}

	logger, err := NewLogger(DefaultConfig())
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
}

func TestParseLevelRoundTrip(t *testing.T) {
	for _, l := range []string{"debug", "info", "warn", "error"} {
		assert.Equal(t, l, LevelString(ParseLevel(l)))
	}
	assert.Equal(t, zap.InfoLevel, ParseLevel("verbose"))
}
