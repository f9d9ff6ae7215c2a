// Package logging provides logging utilities for sitedock.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// ParseLogLevel converts a string log level to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "silent", "none":
		// Return a very high level to effectively disable all logging
		return slog.Level(1000)
	default:
		return slog.LevelInfo
	}
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warning", "error", "silent"}
}

// InitLogging initializes logging with the specified log level
func InitLogging(logLevel string) {
	InitLoggingTo(os.Stderr, logLevel)
}

// InitLoggingTo installs a text handler writing to w as the default logger
func InitLoggingTo(w io.Writer, logLevel string) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLogLevel(logLevel),
	})
	slog.SetDefault(slog.New(handler))
}

// OperationLog is a per-operation log file under the logs directory.
// Long-running operations write their tool output here so it can be
// inspected after the request that started them is gone.
type OperationLog struct {
	Path string
	file *os.File
}

// OpenOperationLog creates <logsDir>/<kind>-<timestamp>.log
func OpenOperationLog(logsDir, kind string, now time.Time) (*OperationLog, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	path := filepath.Join(logsDir, fmt.Sprintf("%s-%s.log", kind, now.UTC().Format("20060102-150405")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open operation log %s: %w", path, err)
	}

	return &OperationLog{Path: path, file: file}, nil
}

// Printf appends one timestamped line
func (l *OperationLog) Printf(format string, a ...any) {
	line := fmt.Sprintf(format, a...)
	_, _ = fmt.Fprintf(l.file, "[%s] %s\n", time.Now().UTC().Format(time.RFC3339), strings.TrimRight(line, "\n"))
}

// Write makes the log usable as a raw output sink
func (l *OperationLog) Write(p []byte) (int, error) {
	return l.file.Write(p)
}

func (l *OperationLog) Close() error {
	return l.file.Close()
}

// CLI flag for setting the log level

// LogLevel is a flag for setting the log level
var LogLevel = &logLevelFlag{value: "silent", set: false}

type logLevelFlag struct {
	value string
	set   bool
}

func (l *logLevelFlag) Set(value string) error {
	if !slices.Contains(ValidLogLevels(), value) {
		return fmt.Errorf("invalid value '%s'. Allowed values: %s",
			value, strings.Join(ValidLogLevels(), ", "))
	}
	l.value = value
	l.set = true
	return nil
}

func (l *logLevelFlag) String() string {
	return l.value
}

func (l *logLevelFlag) Type() string {
	return fmt.Sprintf("one of [%s]", strings.Join(ValidLogLevels(), "|"))
}

// IsSet returns true if the flag was explicitly set via command line
func (l *logLevelFlag) IsSet() bool {
	return l.set
}
