package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesConsoleAndFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var console bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "run", "logfile.log")

	closer, err := Setup(&console, logFile, slog.LevelInfo)
	require.NoError(t, err)

	Info("Training..", Trainer, "epoch", 3)
	Debug("hidden", Trainer)
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "Training..")
	assert.Contains(t, console.String(), "subsystem=trainer")
	assert.Contains(t, console.String(), "epoch=3")
	assert.NotContains(t, console.String(), "hidden")

	contents, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, console.String(), string(contents))
}

func TestSetupAppendsToExistingLog(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logFile := filepath.Join(t.TempDir(), "logfile.log")
	require.NoError(t, os.WriteFile(logFile, []byte("previous run\n"), 0o644))

	var console bytes.Buffer
	closer, err := Setup(&console, logFile, slog.LevelInfo)
	require.NoError(t, err)
	Warn("resumed", Checkpoint)
	require.NoError(t, closer.Close())

	contents, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "previous run\n")
	assert.Contains(t, string(contents), "resumed")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.name)
		if tt.wantErr {
			assert.Error(t, err, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestWithNoopLoggerRestoresDefault(t *testing.T) {
	prev := slog.Default()
	err := WithNoopLogger(func() error {
		assert.NotSame(t, prev, slog.Default())
		Error("swallowed", Data)
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, prev, slog.Default())
}
