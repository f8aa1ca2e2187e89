package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/evi-chat/backend/internal/config"
)

func TestJSONConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(config.LogConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Named("session").Info("connected", zap.String("host", "api.hume.ai"))
	log.Debug("hidden")
	require.NoError(t, log.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "connected", entry["message"])
	assert.Equal(t, "session", entry["logger"])
	assert.Equal(t, "api.hume.ai", entry["host"])
	assert.Contains(t, entry, "timestamp")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")

	var buf bytes.Buffer
	log, err := newLogger(config.LogConfig{Level: "debug", Format: "console", File: path}, &buf)
	require.NoError(t, err)

	log.Debug("frame", zap.Int("bytes", 42))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"frame"`)
	assert.Contains(t, buf.String(), "frame")
}

func TestInvalidLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
