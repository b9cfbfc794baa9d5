package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	t.Run("info", func(t *testing.T) {
		var assert = require.New(t)

		l, err := New(false)

		assert.NoError(err)
		assert.True(l.Core().Enabled(zap.InfoLevel))
		assert.False(l.Core().Enabled(zap.DebugLevel))
	})

	t.Run("debug", func(t *testing.T) {
		var assert = require.New(t)

		l, err := New(true)

		assert.NoError(err)
		assert.True(l.Core().Enabled(zap.DebugLevel))
	})
}
