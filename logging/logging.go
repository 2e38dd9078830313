package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SubSystem tags every record with the component that emitted it.
type SubSystem string

const (
	Config     SubSystem = "config"
	Data       SubSystem = "data"
	Model      SubSystem = "model"
	Optim      SubSystem = "optim"
	Trainer    SubSystem = "trainer"
	Checkpoint SubSystem = "checkpoint"
	Metrics    SubSystem = "metrics"
	Plot       SubSystem = "plot"
)

// ParseLevel maps a level name (debug, info, warn, error) to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q: %w", name, err)
	}
	return level, nil
}

// Setup installs a text logger that writes to console and appends to logFile.
// An empty logFile logs to console only. The returned closer releases the file.
func Setup(console io.Writer, logFile string, level slog.Level) (io.Closer, error) {
	var closer io.Closer = nopCloser{}
	out := console
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		closer = f
		out = io.MultiWriter(console, f)
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func setNoopLogger() {
	var logLevel slog.LevelVar
	// Set the level above all normal levels
	logLevel.Set(slog.Level(100))

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: &logLevel,
	}))
	slog.SetDefault(logger)
}

// WithNoopLogger silences the default logger while action runs.
func WithNoopLogger(action func() error) error {
	currentLogger := slog.Default()
	defer slog.SetDefault(currentLogger)

	setNoopLogger()
	return action()
}

func Warn(msg string, subSystem SubSystem, keyvals ...interface{}) {
	withSubsystem := append([]interface{}{"subsystem", subSystem}, keyvals...)
	slog.Warn(msg, withSubsystem...)
}

func Info(msg string, subSystem SubSystem, keyvals ...interface{}) {
	withSubsystem := append([]interface{}{"subsystem", subSystem}, keyvals...)
	slog.Info(msg, withSubsystem...)
}

func Error(msg string, subSystem SubSystem, keyvals ...interface{}) {
	withSubsystem := append([]interface{}{"subsystem", subSystem}, keyvals...)
	slog.Error(msg, withSubsystem...)
}

func Debug(msg string, subSystem SubSystem, keyvals ...interface{}) {
	withSubsystem := append([]interface{}{"subsystem", subSystem}, keyvals...)
	slog.Debug(msg, withSubsystem...)
}
