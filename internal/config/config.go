// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all sync daemon configuration.
type Config struct {
	// Directories
	BookmarksDir string
	CacheDir     string
	StatePath    string

	// File selection
	Extension string

	// Cloud container (S3-compatible)
	S3Endpoint  string
	S3Bucket    string
	S3Prefix    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Intervals
	CloudPollInterval time.Duration
	CoalesceInterval  time.Duration

	// Identity
	DeviceName string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Metrics ("" disables the endpoint)
	MetricsAddr string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		BookmarksDir:      envOr("BOOKMARKS_DIR", ""),
		CacheDir:          envOr("CACHE_DIR", ""),
		StatePath:         envOr("STATE_PATH", ""),
		Extension:         envOr("FILE_EXTENSION", ".kml"),
		S3Endpoint:        envOr("S3_ENDPOINT", ""),
		S3Bucket:          envOr("S3_BUCKET", ""),
		S3Prefix:          envOr("S3_PREFIX", ""),
		S3AccessKey:       envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:       envOr("S3_SECRET_KEY", ""),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		S3UseSSL:          envBool("S3_USE_SSL", true),
		CloudPollInterval: envDuration("CLOUD_POLL_INTERVAL", 15*time.Second),
		CoalesceInterval:  envDuration("COALESCE_INTERVAL", time.Second),
		DeviceName:        envOr("DEVICE_NAME", ""),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
		LogFile:           envOr("LOG_FILE", ""),
		MetricsAddr:       envOr("METRICS_ADDR", ""),
	}

	if cfg.BookmarksDir == "" {
		return nil, fmt.Errorf("BOOKMARKS_DIR is required")
	}
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(cfg.BookmarksDir, ".cloudsync", "cache")
	}
	if cfg.StatePath == "" {
		cfg.StatePath = filepath.Join(cfg.BookmarksDir, ".cloudsync", "state.json")
	}
	if cfg.DeviceName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "device"
		}
		cfg.DeviceName = host
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
