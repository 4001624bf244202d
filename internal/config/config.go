package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

type AppConfig struct {
	AppEnv   string `validate:"oneof=dev prod"`
	LogLevel slog.Level
	Port     string `validate:"required,numeric"`

	// Token is the WeatherFlow personal access token. It may be empty at
	// startup and supplied later through the API.
	Token     string
	StationID int    `validate:"gte=0"`
	RESTURL   string `validate:"required,url"`
	WSURL     string `validate:"required,url"`

	PollInterval time.Duration `validate:"gt=0"`
	HTTPTimeout  time.Duration `validate:"gt=0"`
	WSMaxBackoff time.Duration `validate:"gt=0"`

	UDPPort          int           `validate:"min=1,max=65535"`
	SilenceThreshold time.Duration `validate:"gt=0"`

	StaleAfter      time.Duration `validate:"gt=0"`
	RefreshInterval time.Duration `validate:"gt=0"`
	QueueSize       int           `validate:"min=1"`

	// OverridesDB is the sqlite file for pinned routes; empty keeps them in memory.
	OverridesDB string

	MQTTBroker      string
	MQTTPort        int    `validate:"omitempty,min=1,max=65535"`
	MQTTClientID    string `validate:"required_with=MQTTBroker"`
	MQTTTopicPrefix string `validate:"required_with=MQTTBroker"`
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (*AppConfig, error) {
	cfg := &AppConfig{
		AppEnv:          getenvDefault("APP_ENV", "dev"),
		Port:            getenvDefault("PORT", "8080"),
		Token:           strings.TrimSpace(os.Getenv("WEATHERFLOW_TOKEN")),
		RESTURL:         getenvDefault("WEATHERFLOW_REST_URL", "https://swd.weatherflow.com/swd/rest"),
		WSURL:           getenvDefault("WEATHERFLOW_WS_URL", "wss://ws.weatherflow.com/swd/data"),
		OverridesDB:     strings.TrimSpace(os.Getenv("OVERRIDES_DB")),
		MQTTBroker:      strings.TrimSpace(os.Getenv("MQTT_BROKER")),
		MQTTClientID:    getenvDefault("MQTT_CLIENT_ID", "weather-station-fusion"),
		MQTTTopicPrefix: getenvDefault("MQTT_TOPIC_PREFIX", "weatherflow"),
	}

	level, err := parseLogLevel(getenvDefault("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"WEATHERFLOW_STATION_ID", 0, &cfg.StationID},
		{"UDP_PORT", 50222, &cfg.UDPPort},
		{"QUEUE_SIZE", 256, &cfg.QueueSize},
		{"MQTT_PORT", 1883, &cfg.MQTTPort},
	}
	for _, i := range ints {
		v, err := getenvInt(i.key, i.def)
		if err != nil {
			return nil, err
		}
		*i.dst = v
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"POLL_INTERVAL", "5m", &cfg.PollInterval},
		{"HTTP_TIMEOUT", "10s", &cfg.HTTPTimeout},
		{"WS_MAX_BACKOFF", "60s", &cfg.WSMaxBackoff},
		{"UDP_SILENCE_THRESHOLD", "5m", &cfg.SilenceThreshold},
		{"STALE_AFTER", "5m", &cfg.StaleAfter},
		{"REFRESH_INTERVAL", "30s", &cfg.RefreshInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getenvDefault(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// HasMQTT reports whether the MQTT bridge is configured.
func (c *AppConfig) HasMQTT() bool { return c.MQTTBroker != "" }

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
