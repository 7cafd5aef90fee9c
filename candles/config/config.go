// Package config loads provider settings from an optional YAML file, applying
// defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the tunable surface of the provider. The zero value is not
// usable; obtain one through Default or Load.
type Config struct {
	// DatabasePath is the SQLite file backing the candle store.
	DatabasePath string `yaml:"database_path"`

	// ChunkSize is the per-API-call candle count, at most 200.
	ChunkSize int `yaml:"chunk_size"`

	// CacheTTLSeconds is the lifetime of an in-memory result cache entry.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`

	// CacheMaxEntries bounds the number of cache entries.
	CacheMaxEntries int `yaml:"cache_max_entries"`

	// RateLimitPerMinute is the upstream request budget.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// SyntheticCapDailyAndAbove caps consecutive synthetic candles for the
	// daily and larger timeframes. Intraday timeframes are uncapped.
	SyntheticCapDailyAndAbove int `yaml:"synthetic_cap_daily_and_above"`

	// ChunkRetryMax is the number of attempts per chunk fetch.
	ChunkRetryMax int `yaml:"chunk_retry_max"`

	// ChunkRetryBaseDelayMS is the first backoff sleep in milliseconds; it
	// doubles per retry.
	ChunkRetryBaseDelayMS int `yaml:"chunk_retry_base_delay_ms"`

	// DeadlineMSPer1000Candles scales the per-request deadline with the
	// requested candle count.
	DeadlineMSPer1000Candles int `yaml:"deadline_ms_per_1000_candles"`

	// BaseURL overrides the exchange API base URL; empty means production.
	BaseURL string `yaml:"base_url"`

	// Debug enables verbose logging across all layers.
	Debug bool `yaml:"debug"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		DatabasePath:              "candles.db",
		ChunkSize:                 200,
		CacheTTLSeconds:           60,
		CacheMaxEntries:           1000,
		RateLimitPerMinute:        600,
		SyntheticCapDailyAndAbove: 30,
		ChunkRetryMax:             3,
		ChunkRetryBaseDelayMS:     1000,
		DeadlineMSPer1000Candles:  30000,
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.ChunkSize <= 0 || c.ChunkSize > 200 {
		return fmt.Errorf("chunk_size must be between 1 and 200, got %d", c.ChunkSize)
	}
	if c.CacheTTLSeconds < 0 {
		return fmt.Errorf("cache_ttl_seconds must not be negative, got %d", c.CacheTTLSeconds)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate_limit_per_minute must be positive, got %d", c.RateLimitPerMinute)
	}
	if c.ChunkRetryMax <= 0 {
		return fmt.Errorf("chunk_retry_max must be positive, got %d", c.ChunkRetryMax)
	}
	return nil
}

// CacheTTL is CacheTTLSeconds as a duration.
func (c Config) CacheTTL() time.Duration { return time.Duration(c.CacheTTLSeconds) * time.Second }

// ChunkRetryBaseDelay is ChunkRetryBaseDelayMS as a duration.
func (c Config) ChunkRetryBaseDelay() time.Duration {
	return time.Duration(c.ChunkRetryBaseDelayMS) * time.Millisecond
}

// DeadlineFor scales the per-request deadline with the requested candle
// count, with a floor of one slice for small requests.
func (c Config) DeadlineFor(candleCount int) time.Duration {
	slices := (candleCount + 999) / 1000
	if slices < 1 {
		slices = 1
	}
	return time.Duration(slices) * time.Duration(c.DeadlineMSPer1000Candles) * time.Millisecond
}
