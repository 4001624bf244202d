package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-station-fusion/internal/config"
)

func TestProdLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &config.AppConfig{AppEnv: "prod", LogLevel: slog.LevelInfo}, "1.2.3", "wsfusion")

	logger.Debug("hidden")
	logger.Info("engine started", "queue", 256)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "engine started", line["msg"])
	assert.Equal(t, "1.2.3", line["version"])
	assert.Equal(t, "prod", line["env"])
	assert.EqualValues(t, 256, line["queue"])
}

func TestDevLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &config.AppConfig{AppEnv: "dev", LogLevel: slog.LevelWarn}, "dev", "wsfusion")

	logger.Info("quiet")
	assert.Empty(t, buf.String())

	logger.Warn("udp silent")
	assert.Contains(t, buf.String(), "udp silent")
	assert.Contains(t, buf.String(), "wsfusion")
}
