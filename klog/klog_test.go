package klog

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestSetupWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.log")
	logger := Setup(Options{FilePath: path, Level: "debug"})

	logger.Info("boot complete", "harts", 4)
	logger.Debug("detail line")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "boot complete")
	assert.Contains(t, string(data), "harts=4")
	assert.Contains(t, string(data), "detail line")
}

func TestSetupLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.log")
	logger := Setup(Options{FilePath: path, Level: "warn"})

	logger.Info("hidden")
	logger.Warn("visible")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "visible")
}

func TestForHartTagsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.log")
	logger := Setup(Options{FilePath: path})

	ForHart(logger, 2).Info("dispatch")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hart=2")
}
