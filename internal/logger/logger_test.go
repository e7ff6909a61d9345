package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("plain file sink", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "scoop.log")
		l, err := New(Config{Level: "debug", File: path})
		require.NoError(t, err)

		zl := l.Zerolog()
		zl.Info().Str("run_id", "r1").Msg("admitted")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"run_id":"r1"`)
	})

	t.Run("rotating sink when max size set", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "scoop.log")
		l, err := New(Config{Level: "info", File: path, MaxSize: 1})
		require.NoError(t, err)
		defer l.Close()

		_, ok := l.sink.(*RotatingWriter)
		assert.True(t, ok)
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "chatty"})
		require.NoError(t, err)
		defer l.Close()
		assert.Equal(t, zerolog.InfoLevel, l.Zerolog().GetLevel())
	})

	t.Run("redaction wraps the sink", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "scoop.log")
		l, err := New(Config{Level: "info", File: path, Redaction: true})
		require.NoError(t, err)
		assert.NotNil(t, l.redactor)

		zl := l.Component("models")
		zl.Info().Msg("using key sk-abcdefghijklmnopqrstuvwxyz012345")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.False(t, strings.Contains(string(data), "sk-abcdefghijklmnopqrstuvwxyz012345"))
		assert.Contains(t, string(data), `"component":"models"`)
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 50, cfg.MaxSize)
	assert.Equal(t, 14, cfg.MaxAge)
}
