package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/warp/cdr-ledger/logging"
)

func TestNew_Levels(t *testing.T) {
	for level, want := range map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	} {
		logger, err := logging.New(level, "json")
		require.NoError(t, err, level)
		assert.True(t, logger.Core().Enabled(want), level)
		if want > zapcore.DebugLevel {
			assert.False(t, logger.Core().Enabled(want-1), level)
		}
	}
}

func TestNew_Encoding(t *testing.T) {
	_, err := logging.New("info", "console")
	assert.NoError(t, err)

	_, err = logging.New("info", "xml")
	assert.Error(t, err)
}
