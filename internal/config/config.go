package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr        string `yaml:"addr"`
	DataDir     string `yaml:"data_dir"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SnapshotKeep     int           `yaml:"snapshot_keep"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
}

func defaults() Config {
	return Config{
		Addr:             ":8790",
		DataDir:          "./data/docs",
		DatabaseURL:      "",
		RedisURL:         "",
		SnapshotInterval: 30 * time.Second,
		SnapshotKeep:     5,
		ProbeInterval:    15 * time.Second,
		ShutdownGrace:    10 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by COEDIT_CONFIG, and environment variables, in increasing precedence.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("COEDIT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Addr = getenv("COEDIT_ADDR", cfg.Addr)
	cfg.DataDir = getenv("COEDIT_DATA_DIR", cfg.DataDir)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
	cfg.SnapshotInterval = getenvDuration("COEDIT_SNAPSHOT_INTERVAL", cfg.SnapshotInterval)
	cfg.SnapshotKeep = getenvInt("COEDIT_SNAPSHOT_KEEP", cfg.SnapshotKeep)
	cfg.ProbeInterval = getenvDuration("COEDIT_PROBE_INTERVAL", cfg.ProbeInterval)
	cfg.ShutdownGrace = getenvDuration("COEDIT_SHUTDOWN_GRACE", cfg.ShutdownGrace)

	if cfg.SnapshotKeep < 1 {
		return Config{}, fmt.Errorf("snapshot_keep must be at least 1, got %d", cfg.SnapshotKeep)
	}
	if cfg.SnapshotInterval <= 0 || cfg.ProbeInterval <= 0 {
		return Config{}, fmt.Errorf("snapshot_interval and probe_interval must be positive")
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
