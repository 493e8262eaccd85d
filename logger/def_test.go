package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLogBeforeInit(t *testing.T) {
	assert.NotNil(t, Log())
	assert.NotNil(t, S())
}

func TestInitReplacesGlobals(t *testing.T) {
	require.NoError(t, Init("development", "warn"))
	defer Sync()

	assert.Same(t, Log(), zap.L())
	assert.False(t, Log().Core().Enabled(zap.InfoLevel))
	assert.True(t, Log().Core().Enabled(zap.WarnLevel))
	assert.NotNil(t, Named("engine"))
}

func TestInitRejectsBadLevel(t *testing.T) {
	assert.Error(t, Init("production", "loud"))
}
