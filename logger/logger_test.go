package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sievebridge/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestInitializeFileOutputAndVerbosity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")

	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "warn"}, 2)
	require.NoError(t, err)
	require.NotNil(t, f)
	defer f.Close()
	defer func() { globalLogger = nil }()

	// warn lowered twice is debug.
	Debug("debug line", "k", "v")
	Info("info line")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.Contains(out, `"msg":"debug line"`), out)
	assert.True(t, strings.Contains(out, `"k":"v"`), out)
	assert.True(t, strings.Contains(out, `"msg":"info line"`), out)
}

func TestInitializeWithoutVerbositySuppressesDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")

	f, err := Initialize(config.LoggingConfig{Output: path, Level: "info"}, 0)
	require.NoError(t, err)
	defer f.Close()
	defer func() { globalLogger = nil }()

	Debug("hidden")
	Warn("shown")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}
