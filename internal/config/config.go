// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Database
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	MigrationsDir string `envconfig:"MIGRATIONS_DIR" default:"migrations"`

	// Storage layout: final content-addressed objects live under StorageRoot,
	// staged chunks under StagingRoot (default {StorageRoot}/tmp).
	StorageRoot string `envconfig:"STORAGE_ROOT" default:"uploads"`
	StagingRoot string `envconfig:"STAGING_ROOT"`

	// Uploads
	MaxChunkSize  int64         `envconfig:"MAX_CHUNK_SIZE" default:"10485760"` // 10 MiB
	StagingExpiry time.Duration `envconfig:"STAGING_EXPIRY" default:"24h"`
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.StagingRoot == "" {
		cfg.StagingRoot = cfg.StorageRoot + "/tmp"
	}

	return &cfg, nil
}
