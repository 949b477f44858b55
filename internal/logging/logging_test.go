package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ushineko/fetchgate/internal/logging"
)

func TestSetup_ConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup := logging.Setup(logging.Config{Console: &buf})
	defer cleanup()

	logger.Debug("hidden")
	logger.Info("fetch request", "status", 200)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "fetch request")
	assert.Contains(t, buf.String(), "status=200")
}

func TestSetup_Verbose(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup := logging.Setup(logging.Config{Console: &buf, Verbose: true})
	defer cleanup()

	logger.Debug("upstream body read", "bytes", 12)
	assert.Contains(t, buf.String(), "upstream body read")
}

func TestSetup_FileLogIsJSON(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer
	logger, cleanup := logging.Setup(logging.Config{LogDir: dir, Console: &buf})

	logger.With("request_id", "abc").Warn("policy violation", "host", "attacker.example")
	cleanup()

	data, err := os.ReadFile(filepath.Join(dir, logging.FileName))
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "policy violation", rec["msg"])
	assert.Equal(t, "abc", rec["request_id"])
	assert.Equal(t, "attacker.example", rec["host"])

	assert.Contains(t, buf.String(), "policy violation", "console still receives records")
}

func TestSetup_UnwritableDirFallsBack(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	var buf bytes.Buffer
	logger, cleanup := logging.Setup(logging.Config{LogDir: filepath.Join(file, "logs"), Console: &buf})
	defer cleanup()

	assert.Contains(t, buf.String(), "file logging disabled")
	logger.Info("still logging")
	assert.Contains(t, buf.String(), "still logging")
}

func TestSetup_ExtraHandlers(t *testing.T) {
	var console, extra bytes.Buffer
	logger, cleanup := logging.Setup(logging.Config{
		Console: &console,
		Extra: []slog.Handler{
			slog.NewJSONHandler(&extra, &slog.HandlerOptions{Level: slog.LevelWarn}),
		},
	})
	defer cleanup()

	logger.Info("fetch request")
	logger.Warn("policy violation")

	assert.Contains(t, console.String(), "fetch request")
	assert.NotContains(t, extra.String(), "fetch request", "extra handler applies its own level")
	assert.Contains(t, extra.String(), "policy violation")
}
