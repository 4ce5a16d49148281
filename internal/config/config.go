// Package config loads tscore's YAML configuration and applies
// environment-variable overrides, mirroring the teacher's internal/config
// package (a single top-level Config struct, a DefaultConfig()
// constructor, and an applyEnvOverrides pass run after YAML unmarshal).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tscore configuration (spec §6 "Environment & config").
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"`
	APIKey   string `yaml:"api_key"`

	ConnectTimeout    time.Duration `yaml:"-"`
	ReadTimeout       time.Duration `yaml:"-"`
	ConnectTimeoutStr string        `yaml:"connect_timeout"`
	ReadTimeoutStr    string        `yaml:"read_timeout"`

	DefaultQueryBy string `yaml:"default_query_by"`

	Presets PresetsConfig `yaml:"presets"`

	Selection SelectionConfig `yaml:"selection"`

	Curation CurationConfig `yaml:"curation"`

	Retry RetryConfig `yaml:"retry"`

	Indexer IndexerConfig `yaml:"indexer"`

	SchemaRetention SchemaRetentionConfig `yaml:"schema_retention"`

	Logging LoggingConfig `yaml:"logging"`
}

// PresetsConfig controls namespacing of default_preset tokens (spec §4.4).
type PresetsConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Namespace     string   `yaml:"namespace"`
	LockedDomains []string `yaml:"locked_domains"`
}

// SelectionConfig controls unknown-field policy (spec §3 Selection).
type SelectionConfig struct {
	Strict bool `yaml:"strict"`
}

// CurationConfig bounds curated-id overrides (spec §7 KindCurationLimitExceeded).
type CurationConfig struct {
	MaxCuratedIDs int `yaml:"max_curated_ids"`
}

// RetryConfig configures the indexer's retry/backoff policy (spec §4.8, §6).
type RetryConfig struct {
	Attempts      int     `yaml:"attempts"`
	BaseMs        int     `yaml:"base_ms"`
	MaxMs         int     `yaml:"max_ms"`
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// DispatchMode selects how the indexer schedules partition work.
type DispatchMode string

const (
	DispatchInline DispatchMode = "inline"
	DispatchQueue  DispatchMode = "queue"
)

// IndexerConfig configures bulk import behavior (spec §6).
type IndexerConfig struct {
	BatchSize    int          `yaml:"batch_size"`
	Gzip         bool         `yaml:"gzip"`
	DispatchMode DispatchMode `yaml:"dispatch_mode"`
	QueueName    string       `yaml:"queue_name"`
	MaxParallel  int          `yaml:"max_parallel"`
}

// SchemaRetentionConfig bounds how many prior physical collections survive a swap.
type SchemaRetentionConfig struct {
	KeepLast int `yaml:"keep_last"`
}

// LoggingConfig controls category/level-based structured logging, mirroring
// internal/config/logging.go.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns sensible defaults (spec §6), grounded on
// internal/config/config.go's DefaultConfig().
func DefaultConfig() *Config {
	return &Config{
		Host:              "localhost",
		Port:              8108,
		Protocol:          "http",
		ConnectTimeoutStr: "5s",
		ReadTimeoutStr:    "30s",
		ConnectTimeout:    5 * time.Second,
		ReadTimeout:       30 * time.Second,
		DefaultQueryBy:    "q",
		Presets: PresetsConfig{
			Enabled:   false,
			Namespace: "",
		},
		Selection: SelectionConfig{Strict: true},
		Curation:  CurationConfig{MaxCuratedIDs: 100},
		Retry: RetryConfig{
			Attempts:       3,
			BaseMs:         200,
			MaxMs:          5000,
			JitterFraction: 0.2,
		},
		Indexer: IndexerConfig{
			BatchSize:    100,
			Gzip:         false,
			DispatchMode: DispatchInline,
			MaxParallel:  4,
		},
		SchemaRetention: SchemaRetentionConfig{KeepLast: 2},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads and parses a YAML config file, applying defaults for anything
// left unset, then environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.resolveDurations(); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) resolveDurations() error {
	if c.ConnectTimeoutStr != "" {
		d, err := time.ParseDuration(c.ConnectTimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid connect_timeout %q: %w", c.ConnectTimeoutStr, err)
		}
		c.ConnectTimeout = d
	}
	if c.ReadTimeoutStr != "" {
		d, err := time.ParseDuration(c.ReadTimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid read_timeout %q: %w", c.ReadTimeoutStr, err)
		}
		c.ReadTimeout = d
	}
	return nil
}

// applyEnvOverrides layers environment variables on top of file/default
// config, mirroring internal/config/env_override_test.go's precedence-chain
// style (a later override always wins over an earlier one, env always wins
// over file/default).
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TSCORE_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("TSCORE_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("TSCORE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("TSCORE_PROTOCOL"); v != "" {
		c.Protocol = v
	}
	if v := os.Getenv("TSCORE_DEBUG"); v != "" {
		c.Logging.DebugMode = v == "1" || v == "true"
	}
}
