package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds everything the listener needs. It is built once in main and
// handed to constructors; nothing else reads the environment.
type Config struct {
	// DBURL is the PostgreSQL connection string. Empty means the store is
	// not configured: the process still serves, every webhook answers 500.
	DBURL string `envconfig:"DB_URL"`

	HTTPAddr    string        `envconfig:"HTTP_ADDR" default:"0.0.0.0:10000"`
	SaveTimeout time.Duration `envconfig:"SAVE_TIMEOUT" default:"10s"`

	// Optional FK declaration for iot_readings.device_eui. When empty the
	// registry constraint is expected to be managed by the dashboard schema.
	RegistryTable  string `envconfig:"REGISTRY_TABLE"`
	RegistryColumn string `envconfig:"REGISTRY_COLUMN" default:"device_eui"`

	// Valkey (Redis) hot cache of the latest reading per device. Empty disables it.
	ValkeyAddr string        `envconfig:"VALKEY_ADDR"`
	LatestTTL  time.Duration `envconfig:"LATEST_TTL" default:"24h"`

	// MQTT fan-out of committed readings and log lines. Empty broker disables it.
	MQTTBroker   string `envconfig:"MQTT_BROKER"`
	MQTTClientID string `envconfig:"MQTT_CLIENT_ID" default:"webhook-listener"`
	ReadingTopic string `envconfig:"READING_TOPIC" default:"readings"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	if cfg.SaveTimeout <= 0 {
		return Config{}, errors.New("SAVE_TIMEOUT must be greater than 0")
	}
	return cfg, nil
}

// Level maps LOG_LEVEL to a slog level, falling back to info.
func (c Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// LogValue keeps the connection string out of the startup log line.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("db_configured", c.DBURL != ""),
		slog.String("http_addr", c.HTTPAddr),
		slog.Duration("save_timeout", c.SaveTimeout),
		slog.String("registry_table", c.RegistryTable),
		slog.String("valkey_addr", c.ValkeyAddr),
		slog.String("mqtt_broker", c.MQTTBroker),
		slog.String("log_level", c.LogLevel),
	)
}
