package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the main configuration struct.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Remote   RemoteConfig   `yaml:"remote"`
	Cache    CacheConfig    `yaml:"cache"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Sync     SyncConfig     `yaml:"sync"`
	Feed     FeedConfig     `yaml:"feed"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Identity IdentityConfig `yaml:"identity"`
}

// StoreConfig holds the local durable store settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig holds the write endpoint settings.
type RemoteConfig struct {
	BaseURL        string   `yaml:"base_url"`
	FeedURL        string   `yaml:"feed_url"`
	RequestTimeout Duration `yaml:"request_timeout"`
	WriteRPS       float64  `yaml:"write_rps"`
	WriteBurst     int      `yaml:"write_burst"`
}

// CacheConfig holds the in-memory recency cache settings.
type CacheConfig struct {
	Capacity int      `yaml:"capacity"`
	TTL      Duration `yaml:"ttl"`
	Window   int      `yaml:"window"`
}

// OutboxConfig holds delivery loop and sweep settings.
type OutboxConfig struct {
	TickInterval   Duration `yaml:"tick_interval"`
	BackoffBase    Duration `yaml:"backoff_base"`
	BackoffCeiling Duration `yaml:"backoff_ceiling"`
	MaxAttempts    int      `yaml:"max_attempts"`
	Concurrency    int      `yaml:"concurrency"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
	SweepCron      string   `yaml:"sweep_cron"`
	SweepMaxAge    Duration `yaml:"sweep_max_age"`
}

// SyncConfig holds delta-sync settings.
type SyncConfig struct {
	BatchLimit   int      `yaml:"batch_limit"`
	FetchTimeout Duration `yaml:"fetch_timeout"`
}

// FeedConfig holds live-feed connection settings.
type FeedConfig struct {
	DialTimeout    Duration `yaml:"dial_timeout"`
	ProbeInterval  Duration `yaml:"probe_interval"`
	StaleThreshold Duration `yaml:"stale_threshold"`
	PollInterval   Duration `yaml:"poll_interval"`
	CheckTimeout   Duration `yaml:"check_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig holds the optional local metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// IdentityConfig holds the local participant identity.
type IdentityConfig struct {
	Self string `yaml:"self"`
}

// Duration wraps time.Duration for yaml scalars like "15s" or bare
// second counts.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration: %q", raw)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
