package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "valid json config", config: Config{Level: "info", Format: "json", Output: "stdout"}},
		{name: "valid text config", config: Config{Level: "debug", Format: "text", Output: "stderr"}},
		{name: "invalid level", config: Config{Level: "trace", Format: "json"}, wantErr: true},
		{name: "invalid format", config: Config{Level: "info", Format: "xml"}, wantErr: true},
		{name: "defaults applied", config: Config{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	logger, err := New(Config{})
	require.NoError(t, err)

	cfg := logger.Config()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
	assert.NoError(t, logger.Close())
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goingest.log")

	logger, err := New(Config{Output: path})
	require.NoError(t, err)
	logger.Info("run started", "run_id", "manual__2021-01-01T00:00:00Z")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"run started"`)
	assert.Contains(t, string(data), `"run_id":"manual__2021-01-01T00:00:00Z"`)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
		wantErr  bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"DEBUG", slog.LevelDebug, false},
		{"invalid", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			level, err := parseLevel(tt.level)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}
