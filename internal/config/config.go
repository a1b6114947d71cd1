// Package config provides configuration management for NetSentry.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all NetSentry configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Controller ControllerConfig `yaml:"controller"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	Collection CollectionConfig `yaml:"collection"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               int           `yaml:"port"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
}

// ControllerConfig holds upstream network-controller API settings.
type ControllerConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Site      string        `yaml:"site"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
	VerifySSL bool          `yaml:"verify_ssl"`
	PageSize  int           `yaml:"page_size"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// DatabaseConfig holds event store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// NATSConfig holds alert bus settings.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// CollectionConfig holds collection scheduler settings. PollInterval and
// RetentionDays are defaults only: the settings store may override them at
// runtime.
type CollectionConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	RetentionDays      int           `yaml:"retention_days"`
	RecentWindow       time.Duration `yaml:"recent_window"`
	SyncOverlap        time.Duration `yaml:"sync_overlap"`
	BackfillChunk      time.Duration `yaml:"backfill_chunk"`
	BackfillPageBudget int           `yaml:"backfill_page_budget"`
	BackfillMaxChunks  int           `yaml:"backfill_max_chunks"`
	PurgeHour          int           `yaml:"purge_hour"`
}

// AnalysisConfig holds pattern-detection and sequencing settings.
type AnalysisConfig struct {
	Lookback            time.Duration `yaml:"lookback"`
	SuppressionInterval time.Duration `yaml:"suppression_interval"`
}

// EnrichmentConfig holds geo/ASN enrichment settings.
type EnrichmentConfig struct {
	Enabled  bool          `yaml:"enabled"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8080,
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       30 * time.Second,
			ShutdownTimeout:    10 * time.Second,
			RateLimitPerMinute: 120,
		},
		Controller: ControllerConfig{
			Site:      "default",
			APIKeyEnv: "NETSENTRY_CONTROLLER_API_KEY",
			Timeout:   30 * time.Second,
			VerifySSL: true,
			PageSize:  200,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			Path: "netsentry.db",
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Subject: "netsentry.alerts",
		},
		Collection: CollectionConfig{
			PollInterval:       1 * time.Minute,
			RetentionDays:      30,
			RecentWindow:       24 * time.Hour,
			SyncOverlap:        5 * time.Minute,
			BackfillChunk:      6 * time.Hour,
			BackfillPageBudget: 20,
			BackfillMaxChunks:  4,
			PurgeHour:          3,
		},
		Analysis: AnalysisConfig{
			Lookback:            6 * time.Hour,
			SuppressionInterval: 6 * time.Hour,
		},
		Enrichment: EnrichmentConfig{
			Enabled:  true,
			Timeout:  15 * time.Second,
			CacheTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
