package config

import (
	"fmt"
	"os"
	"time"

	"github.com/adhocore/gronx"
	"github.com/goccy/go-yaml"
)

// Defaults for store, delivery and sync configuration
const (
	defaultStorePath      = "./.murmursync"
	defaultRequestTimeout = 15 * time.Second
	defaultWriteRPS       = 5.0
	defaultWriteBurst     = 10

	// cache defaults
	defaultCacheCapacity = 10
	defaultCacheTTL      = 15 * time.Minute
	defaultCacheWindow   = 10

	// outbox defaults
	defaultOutboxTick      = 15 * time.Second
	defaultBackoffBase     = 1 * time.Second
	defaultBackoffCeiling  = 5 * time.Minute
	defaultMaxAttempts     = 10
	defaultConcurrency     = 4
	defaultAttemptTimeout  = 15 * time.Second
	defaultSweepCron       = "0 3 * * *" // daily at 03:00
	defaultSweepMaxAge     = 7 * 24 * time.Hour
	defaultSyncBatchLimit  = 200
	defaultSyncFetchWindow = 15 * time.Second

	// feed defaults
	defaultDialTimeout    = 10 * time.Second
	defaultProbeInterval  = 15 * time.Second
	defaultStaleThreshold = 45 * time.Second
	defaultPollInterval   = 60 * time.Second
	defaultCheckTimeout   = 5 * time.Second
)

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ValidateConfig applies defaults and validates values. It mutates the
// receiver to fill in missing defaults and returns an error if any
// configuration value is invalid.
func (c *Config) ValidateConfig() error {
	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}

	// Remote defaults
	if c.Remote.RequestTimeout.Duration() == 0 {
		c.Remote.RequestTimeout = Duration(defaultRequestTimeout)
	}
	if c.Remote.WriteRPS <= 0 {
		c.Remote.WriteRPS = defaultWriteRPS
	}
	if c.Remote.WriteBurst <= 0 {
		c.Remote.WriteBurst = defaultWriteBurst
	}

	// Cache defaults
	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = defaultCacheCapacity
	}
	if c.Cache.TTL.Duration() == 0 {
		c.Cache.TTL = Duration(defaultCacheTTL)
	}
	if c.Cache.Window <= 0 {
		c.Cache.Window = defaultCacheWindow
	}

	// Outbox defaults
	ob := &c.Outbox
	if ob.TickInterval.Duration() == 0 {
		ob.TickInterval = Duration(defaultOutboxTick)
	}
	if ob.BackoffBase.Duration() == 0 {
		ob.BackoffBase = Duration(defaultBackoffBase)
	}
	if ob.BackoffCeiling.Duration() == 0 {
		ob.BackoffCeiling = Duration(defaultBackoffCeiling)
	}
	if ob.MaxAttempts <= 0 {
		ob.MaxAttempts = defaultMaxAttempts
	}
	if ob.Concurrency <= 0 {
		ob.Concurrency = defaultConcurrency
	}
	if ob.AttemptTimeout.Duration() == 0 {
		ob.AttemptTimeout = Duration(defaultAttemptTimeout)
	}
	if ob.SweepCron == "" {
		ob.SweepCron = defaultSweepCron
	}
	if ob.SweepMaxAge.Duration() == 0 {
		ob.SweepMaxAge = Duration(defaultSweepMaxAge)
	}
	if !gronx.IsValid(ob.SweepCron) {
		return fmt.Errorf("invalid outbox sweep cron expression: %s", ob.SweepCron)
	}

	// Sync defaults
	if c.Sync.BatchLimit <= 0 {
		c.Sync.BatchLimit = defaultSyncBatchLimit
	}
	if c.Sync.FetchTimeout.Duration() == 0 {
		c.Sync.FetchTimeout = Duration(defaultSyncFetchWindow)
	}

	// Feed defaults
	fd := &c.Feed
	if fd.DialTimeout.Duration() == 0 {
		fd.DialTimeout = Duration(defaultDialTimeout)
	}
	if fd.ProbeInterval.Duration() == 0 {
		fd.ProbeInterval = Duration(defaultProbeInterval)
	}
	if fd.StaleThreshold.Duration() == 0 {
		fd.StaleThreshold = Duration(defaultStaleThreshold)
	}
	if fd.PollInterval.Duration() == 0 {
		fd.PollInterval = Duration(defaultPollInterval)
	}
	if fd.CheckTimeout.Duration() == 0 {
		fd.CheckTimeout = Duration(defaultCheckTimeout)
	}
	if fd.StaleThreshold.Duration() < fd.ProbeInterval.Duration() {
		return fmt.Errorf("feed stale_threshold %s must not be below probe_interval %s",
			fd.StaleThreshold.Duration(), fd.ProbeInterval.Duration())
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9237"
	}
	return nil
}

// ResolveConfigPath returns the config file path, preferring flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("MURMURSYNC_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
