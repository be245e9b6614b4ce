package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(Config{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	_, err := NewLogger(Config{Level: "info", Format: "xml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level       string
		debugActive bool
	}{
		{"", false},
		{"debug", true},
		{"info", false},
		{"warn", false},
		{"error", false},
	}

	for _, tt := range tests {
		t.Run("level_"+tt.level, func(t *testing.T) {
			logger, err := NewLogger(Config{Level: tt.level, Format: "console"})
			require.NoError(t, err)
			assert.Equal(t, tt.debugActive, logger.Core().Enabled(zap.DebugLevel))
		})
	}
}

func TestNewLogger_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resilience.log")

	logger, err := NewLogger(Config{Level: "info", Format: "json", OutputFile: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Info("circuit opened", zap.String("key", "jupiter-quote"))
	logger.Debug("filtered out")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"circuit opened"`)
	assert.Contains(t, string(data), `"key":"jupiter-quote"`)
	assert.Contains(t, string(data), `"service":"trade-resilience"`)
	assert.NotContains(t, string(data), "filtered out")
}

func TestNewRotator_Defaults(t *testing.T) {
	r := newRotator(Config{OutputFile: "x.log"})
	assert.Equal(t, 100, r.MaxSize)
	assert.Equal(t, 7, r.MaxAge)
	assert.Equal(t, 7, r.MaxBackups)
	assert.True(t, r.Compress)
}
