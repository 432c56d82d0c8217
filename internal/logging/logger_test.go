package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/shaunagostinho/somfy-rts/internal/config"
)

func TestNewSilentWithoutLevel(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	l, err := New(config.LoggingConfig{})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.ErrorLevel))
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "debug")
	l := FromLevel("")
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestNewWritesRollingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "somfy.log")
	l, err := New(config.LoggingConfig{Level: "warn", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))

	l.Warn("radio busy")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "radio busy")
}

func TestWireFields(t *testing.T) {
	fields := Wire([]byte("OK\r\n"))
	require.Len(t, fields, 3)
	assert.Equal(t, int64(4), fields[0].Integer)
	assert.Equal(t, "4f4b0d0a", fields[1].String)
	assert.Equal(t, "OK..", fields[2].String)
}
