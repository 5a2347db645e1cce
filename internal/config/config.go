package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables. Command line flags take
// precedence over these where both exist.
type Config struct {
	PieceSize      int64         `envconfig:"PIECE_SIZE" default:"4194304"`
	MaxParallel    int           `envconfig:"MAX_PARALLEL" default:"4"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	UserAgent      string        `envconfig:"USER_AGENT" default:"zdm/1.0"`

	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	WebhookURL        string        `envconfig:"WEBHOOK_URL"`
	ManifestRetention time.Duration `envconfig:"MANIFEST_RETENTION" default:"168h"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"false"`
		ServiceName    string `split_words:"true" default:"zdm"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}

	Web struct {
		Enabled         bool          `split_words:"true" default:"false"`
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9611"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("ZDM", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
