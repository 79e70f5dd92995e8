// Package config loads the application settings from the environment. A .env
// file in the working directory is read first if one exists. Every variable is
// prefixed with ASXWATCH_, such as ASXWATCH_API_KEY.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/johnsiilver/asxwatch/marketclock"
	"github.com/johnsiilver/asxwatch/marketdata"
	"github.com/johnsiilver/asxwatch/marketdata/yahoo"
	"github.com/johnsiilver/asxwatch/persist"
	"github.com/johnsiilver/asxwatch/persist/filekv"
	"github.com/johnsiilver/asxwatch/persist/pgkv"
	"github.com/johnsiilver/asxwatch/persist/rediskv"
	"github.com/johnsiilver/asxwatch/persist/sqlitekv"
	"github.com/johnsiilver/asxwatch/refresh"
)

// Prefix is the prefix of every environment variable.
const Prefix = "ASXWATCH"

// Store backends.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Quote sources.
const (
	SourceAPI   = "api"
	SourceYahoo = "yahoo"
)

// Config is the application configuration.
type Config struct {
	APIBaseURL   string        `envconfig:"API_BASE_URL"`
	APIKey       string        `envconfig:"API_KEY"`
	FetchTimeout time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
	QuoteSource  string        `envconfig:"QUOTE_SOURCE" default:"api"`

	MarketTZ        string `envconfig:"MARKET_TZ" default:"Australia/Sydney"`
	MarketOpenHour  int    `envconfig:"MARKET_OPEN_HOUR" default:"10"`
	MarketCloseHour int    `envconfig:"MARKET_CLOSE_HOUR" default:"16"`

	IdleThreshold   time.Duration `envconfig:"IDLE_THRESHOLD" default:"3m"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"3m"`
	RefreshTick     time.Duration `envconfig:"REFRESH_TICK" default:"15s"`

	OpenStale     time.Duration `envconfig:"OPEN_STALE" default:"3m"`
	OpenRefetch   time.Duration `envconfig:"OPEN_REFETCH" default:"1m"`
	ClosedStale   time.Duration `envconfig:"CLOSED_STALE" default:"1h"`
	ClosedRefetch time.Duration `envconfig:"CLOSED_REFETCH" default:"1h"`

	RetryAttempts int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryBase     time.Duration `envconfig:"RETRY_BASE" default:"1s"`
	RetryMax      time.Duration `envconfig:"RETRY_MAX" default:"30s"`

	TrendingCount        int `envconfig:"TRENDING_COUNT" default:"6"`
	MaxConcurrentFetches int `envconfig:"MAX_CONCURRENT_FETCHES" default:"8"`

	StoreBackend  string `envconfig:"STORE_BACKEND" default:"file"`
	StorePath     string `envconfig:"STORE_PATH"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	PostgresDSN   string `envconfig:"POSTGRES_DSN"`
	SQLitePath    string `envconfig:"SQLITE_PATH"`

	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
}

// Load reads files (default ".env") into the environment, ignoring files that do
// not exist, and then builds a Config from the environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: reading %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the Config for settings that cannot work.
func (c *Config) Validate() error {
	if _, err := marketclock.New(c.MarketTZ, c.MarketOpenHour, c.MarketCloseHour); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	durations := map[string]time.Duration{
		"FETCH_TIMEOUT":    c.FetchTimeout,
		"IDLE_THRESHOLD":   c.IdleThreshold,
		"CLEANUP_INTERVAL": c.CleanupInterval,
		"REFRESH_TICK":     c.RefreshTick,
		"OPEN_STALE":       c.OpenStale,
		"OPEN_REFETCH":     c.OpenRefetch,
		"CLOSED_STALE":     c.ClosedStale,
		"CLOSED_REFETCH":   c.ClosedRefetch,
		"RETRY_BASE":       c.RetryBase,
		"RETRY_MAX":        c.RetryMax,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("config: %s_%s must be positive, was %s", Prefix, name, d)
		}
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("config: %s_RETRY_ATTEMPTS must be at least 1, was %d", Prefix, c.RetryAttempts)
	}
	if c.MaxConcurrentFetches < 1 {
		return fmt.Errorf("config: %s_MAX_CONCURRENT_FETCHES must be at least 1, was %d", Prefix, c.MaxConcurrentFetches)
	}
	if c.TrendingCount < 0 {
		return fmt.Errorf("config: %s_TRENDING_COUNT cannot be negative", Prefix)
	}

	switch c.QuoteSource {
	case SourceAPI:
		if c.APIBaseURL == "" {
			return fmt.Errorf("config: %s_API_BASE_URL must be set when the quote source is %q", Prefix, SourceAPI)
		}
	case SourceYahoo:
	default:
		return fmt.Errorf("config: unknown quote source %q", c.QuoteSource)
	}

	switch c.StoreBackend {
	case BackendFile, BackendMemory, BackendRedis, BackendSQLite:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("config: %s_POSTGRES_DSN must be set for the postgres store", Prefix)
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.StoreBackend)
	}
	return nil
}

// Clock returns the market clock.
func (c *Config) Clock() marketclock.Clock {
	clock, err := marketclock.New(c.MarketTZ, c.MarketOpenHour, c.MarketCloseHour)
	if err != nil {
		// Validate() rejects this.
		panic(err)
	}
	return clock
}

// Scheduler returns the refresh scheduler.
func (c *Config) Scheduler() refresh.Scheduler {
	return refresh.Scheduler{
		Policy: refresh.Policy{
			Open:   refresh.Window{StaleAfter: c.OpenStale, RefetchEvery: c.OpenRefetch},
			Closed: refresh.Window{StaleAfter: c.ClosedStale, RefetchEvery: c.ClosedRefetch},
		},
		Clock: c.Clock(),
	}
}

// Backoff returns the retry policy wrapped around every fetch.
func (c *Config) Backoff() refresh.Backoff {
	return refresh.Backoff{
		Attempts:  c.RetryAttempts,
		Base:      c.RetryBase,
		Max:       c.RetryMax,
		Retryable: marketdata.IsTransient,
	}
}

// Fetchers returns the quote fetcher and, if the source has one, the company fetcher.
func (c *Config) Fetchers() (marketdata.Fetcher, marketdata.CompanyFetcher) {
	if c.QuoteSource == SourceYahoo {
		return yahoo.New(), nil
	}
	client := marketdata.New(c.APIBaseURL, c.APIKey, c.FetchTimeout)
	return client, client
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenKV opens the configured store backend. The returned io.Closer releases it.
func (c *Config) OpenKV() (persist.KV, io.Closer, error) {
	switch c.StoreBackend {
	case BackendMemory:
		return persist.NewMemKV(), nopCloser{}, nil
	case BackendFile:
		kv, err := filekv.New(c.path(c.StorePath, "watchlist.json"))
		if err != nil {
			return nil, nil, err
		}
		return kv, nopCloser{}, nil
	case BackendRedis:
		kv, err := rediskv.New(rediskv.Config{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB, Prefix: "asxwatch:"})
		if err != nil {
			return nil, nil, err
		}
		return kv, kv, nil
	case BackendPostgres:
		kv, err := pgkv.New(c.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv, nil
	case BackendSQLite:
		kv, err := sqlitekv.New(c.path(c.SQLitePath, "asxwatch.db"))
		if err != nil {
			return nil, nil, err
		}
		return kv, kv, nil
	}
	return nil, nil, fmt.Errorf("config: unknown store backend %q", c.StoreBackend)
}

// path returns p, or name inside the user's config directory if p is empty.
func (c *Config) path(p, name string) string {
	if p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "asxwatch", name)
}
