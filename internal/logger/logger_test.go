package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/config"
)

func TestNew(t *testing.T) {
	for _, mode := range []string{"development", "production"} {
		t.Run(mode, func(t *testing.T) {
			log, err := New(mode, "debug")
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(-1))
			_ = log.Sync()
		})
	}

	t.Run("InvalidMode", func(t *testing.T) {
		_, err := New("verbose", "info")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging mode")
	})

	t.Run("InvalidLevel", func(t *testing.T) {
		_, err := New("production", "loud")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging level")
	})
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{Logging: config.LoggingConfig{Mode: "production", Level: "warn"}}
	log, err := NewFromConfig(cfg)
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(0))
	assert.True(t, log.Core().Enabled(1))
}
