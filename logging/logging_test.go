package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantLevel slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug},
		{"info level", "info", slog.LevelInfo},
		{"warning level", "warning", slog.LevelWarn},
		{"error level", "error", slog.LevelError},
		{"silent level", "silent", slog.Level(1000)},
		{"invalid level defaults to info", "invalid", slog.LevelInfo},
		{"empty string defaults to info", "", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantLevel, ParseLogLevel(tt.level))
		})
	}
}

func TestLogLevelFlag_Set(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		wantError bool
		wantValue string
		wantSet   bool
	}{
		{"valid debug level", "debug", false, "debug", true},
		{"valid warning level", "warning", false, "warning", true},
		{"valid silent level", "silent", false, "silent", true},
		{"invalid level", "invalid", true, "info", false},
		{"empty string", "", true, "info", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag := &logLevelFlag{value: "info", set: false}

			err := flag.Set(tt.value)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantValue, flag.String())
			assert.Equal(t, tt.wantSet, flag.IsSet())
		})
	}
}

func TestLogLevelFlag_Type(t *testing.T) {
	flag := &logLevelFlag{value: "info", set: false}
	assert.Equal(t, "one of [debug|info|warning|error|silent]", flag.Type())
}

func TestInitLoggingTo(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	var buf bytes.Buffer
	InitLoggingTo(&buf, "warning")

	slog.Info("hidden")
	slog.Warn("shown", "site_id", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "site_id=3")
}

func TestOpenOperationLog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	log, err := OpenOperationLog(dir, "system-update", now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "system-update-20260304-050607.log"), log.Path)

	log.Printf("step %d done\n", 1)
	_, err = log.Write([]byte("raw output\n"))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	data, err := os.ReadFile(log.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "step 1 done"))
	assert.Equal(t, "raw output", lines[1])
}
