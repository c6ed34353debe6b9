package debuglog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	l, err := New(Options{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	l.Info("hello", zap.String("k", "v"))
	_ = l.Sync()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"hello"`)
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	require.Error(t, err)
	_, err = New(Options{Format: "xml"})
	require.Error(t, err)
}

func TestDebugEnvForcesDebugLevel(t *testing.T) {
	t.Setenv("UWU_DEBUG", "1")
	l, err := New(Options{Level: "error", Format: "json"})
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestRateLimitedf(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := global.Load()
	SetGlobal(zap.New(core))
	t.Cleanup(func() {
		if prev != nil {
			SetGlobal(prev)
		}
	})
	RateLimitedf("k", time.Hour, "first %d", 1)
	RateLimitedf("k", time.Hour, "second %d", 2)
	RateLimitedf("other", time.Hour, "third %d", 3)
	require.Equal(t, 2, logs.Len())
}
