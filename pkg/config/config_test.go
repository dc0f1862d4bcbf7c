package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-yaml"
)

func TestValidateConfigFillsDefaults(t *testing.T) {
	var c Config
	if err := c.ValidateConfig(); err != nil {
		t.Fatalf("validate empty config: %v", err)
	}
	if c.Store.Path != defaultStorePath {
		t.Fatalf("store path = %q, want %q", c.Store.Path, defaultStorePath)
	}
	if c.Remote.RequestTimeout.Duration() != defaultRequestTimeout {
		t.Fatalf("request timeout = %v", c.Remote.RequestTimeout.Duration())
	}
	if c.Cache.Capacity != defaultCacheCapacity || c.Cache.Window != defaultCacheWindow {
		t.Fatalf("cache defaults = %d/%d", c.Cache.Capacity, c.Cache.Window)
	}
	if c.Outbox.MaxAttempts != defaultMaxAttempts {
		t.Fatalf("max attempts = %d", c.Outbox.MaxAttempts)
	}
	if c.Outbox.SweepCron != defaultSweepCron {
		t.Fatalf("sweep cron = %q", c.Outbox.SweepCron)
	}
	if c.Sync.BatchLimit != defaultSyncBatchLimit {
		t.Fatalf("batch limit = %d", c.Sync.BatchLimit)
	}
	if c.Feed.StaleThreshold.Duration() != defaultStaleThreshold {
		t.Fatalf("stale threshold = %v", c.Feed.StaleThreshold.Duration())
	}
}

func TestValidateConfigKeepsExplicitValues(t *testing.T) {
	c := Config{}
	c.Cache.Capacity = 3
	c.Outbox.MaxAttempts = 2
	c.Feed.ProbeInterval = Duration(5 * time.Second)
	c.Feed.StaleThreshold = Duration(20 * time.Second)
	if err := c.ValidateConfig(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.Cache.Capacity != 3 || c.Outbox.MaxAttempts != 2 {
		t.Fatalf("explicit values overwritten: %d/%d", c.Cache.Capacity, c.Outbox.MaxAttempts)
	}
	if c.Feed.ProbeInterval.Duration() != 5*time.Second {
		t.Fatalf("probe interval overwritten: %v", c.Feed.ProbeInterval.Duration())
	}
}

func TestValidateConfigRejectsBadCron(t *testing.T) {
	c := Config{}
	c.Outbox.SweepCron = "not a cron"
	if err := c.ValidateConfig(); err == nil {
		t.Fatalf("expected error for invalid cron")
	}
}

func TestValidateConfigRejectsStaleBelowProbe(t *testing.T) {
	c := Config{}
	c.Feed.ProbeInterval = Duration(30 * time.Second)
	c.Feed.StaleThreshold = Duration(10 * time.Second)
	if err := c.ValidateConfig(); err == nil {
		t.Fatalf("expected error for stale_threshold below probe_interval")
	}
}

func TestValidateConfigDefaultsMetricsAddr(t *testing.T) {
	c := Config{}
	c.Metrics.Enabled = true
	if err := c.ValidateConfig(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.Metrics.Addr == "" {
		t.Fatalf("metrics addr not defaulted")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	content := []byte(`store:
  path: /tmp/sync-db
remote:
  base_url: https://api.example.org
  request_timeout: 5s
  write_rps: 2.5
outbox:
  backoff_base: 500ms
  max_attempts: 3
identity:
  self: alice
`)
	if err := os.WriteFile(p, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c, err := LoadConfigFile(p)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if c.Store.Path != "/tmp/sync-db" {
		t.Fatalf("store path = %q", c.Store.Path)
	}
	if c.Remote.RequestTimeout.Duration() != 5*time.Second {
		t.Fatalf("request timeout = %v", c.Remote.RequestTimeout.Duration())
	}
	if c.Remote.WriteRPS != 2.5 {
		t.Fatalf("write rps = %v", c.Remote.WriteRPS)
	}
	if c.Outbox.BackoffBase.Duration() != 500*time.Millisecond {
		t.Fatalf("backoff base = %v", c.Outbox.BackoffBase.Duration())
	}
	if c.Identity.Self != "alice" {
		t.Fatalf("identity = %q", c.Identity.Self)
	}
}

func TestLoadConfigFileMalformed(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(p, []byte("store: [::"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfigFile(p); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestResolveConfigPathPrefersFlagThenEnv(t *testing.T) {
	t.Setenv("MURMURSYNC_CONFIG", "/from/env.yaml")
	if got := ResolveConfigPath("/from/flag.yaml", true); got != "/from/flag.yaml" {
		t.Fatalf("flag path = %q", got)
	}
	if got := ResolveConfigPath("/default.yaml", false); got != "/from/env.yaml" {
		t.Fatalf("env path = %q", got)
	}
}

func TestDurationYAML(t *testing.T) {
	var d Duration
	cases := []struct {
		in   string
		want time.Duration
	}{
		{`"15s"`, 15 * time.Second},
		{`"1m30s"`, 90 * time.Second},
		{`"2"`, 2 * time.Second},
		{`"0.5"`, 500 * time.Millisecond},
	}
	for _, tc := range cases {
		if err := yaml.Unmarshal([]byte(tc.in), &d); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.in, err)
		}
		if d.Duration() != tc.want {
			t.Fatalf("%s = %v, want %v", tc.in, d.Duration(), tc.want)
		}
	}
	if err := yaml.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestParseConfigEnvs(t *testing.T) {
	t.Setenv("MURMURSYNC_STORE_PATH", "/env/db")
	t.Setenv("MURMURSYNC_SERVER_URL", "https://env.example.org")
	t.Setenv("MURMURSYNC_CACHE_TTL", "30s")
	t.Setenv("MURMURSYNC_OUTBOX_MAX_ATTEMPTS", "5")
	t.Setenv("MURMURSYNC_METRICS_ENABLED", "true")
	t.Setenv("MURMURSYNC_IDENTITY", " bob ")

	c, used := ParseConfigEnvs()
	if !used {
		t.Fatalf("envUsed = false")
	}
	if c.Store.Path != "/env/db" || c.Remote.BaseURL != "https://env.example.org" {
		t.Fatalf("env parse: %q %q", c.Store.Path, c.Remote.BaseURL)
	}
	if c.Cache.TTL.Duration() != 30*time.Second {
		t.Fatalf("cache ttl = %v", c.Cache.TTL.Duration())
	}
	if c.Outbox.MaxAttempts != 5 {
		t.Fatalf("max attempts = %d", c.Outbox.MaxAttempts)
	}
	if !c.Metrics.Enabled {
		t.Fatalf("metrics not enabled")
	}
	if c.Identity.Self != "bob" {
		t.Fatalf("identity = %q", c.Identity.Self)
	}
}

func TestLoadEffectiveConfigPrecedence(t *testing.T) {
	fileCfg := &Config{}
	fileCfg.Store.Path = "/file/db"
	fileCfg.Remote.BaseURL = "https://file.example.org"
	envCfg := &Config{}
	envCfg.Store.Path = "/env/db"

	// explicit --config wins outright
	res, err := LoadEffectiveConfig(Flags{Config: "c.yaml", Set: map[string]bool{"config": true}}, fileCfg, true, envCfg, true)
	if err != nil {
		t.Fatalf("effective config: %v", err)
	}
	if res.Source != "config" || res.DBPath != "/file/db" {
		t.Fatalf("source=%q db=%q", res.Source, res.DBPath)
	}

	// --config pointing at a missing file is an error
	if _, err := LoadEffectiveConfig(Flags{Config: "c.yaml", Set: map[string]bool{"config": true}}, &Config{}, false, envCfg, true); err == nil {
		t.Fatalf("expected error for missing --config file")
	}

	// db/server flags overlay the file config
	res, err = LoadEffectiveConfig(Flags{DB: "/flag/db", Set: map[string]bool{"db": true}}, fileCfg, true, envCfg, true)
	if err != nil {
		t.Fatalf("effective config: %v", err)
	}
	if res.Source != "flags" || res.DBPath != "/flag/db" {
		t.Fatalf("source=%q db=%q", res.Source, res.DBPath)
	}
	if res.Config.Remote.BaseURL != "https://file.example.org" {
		t.Fatalf("flag overlay lost file base_url: %q", res.Config.Remote.BaseURL)
	}

	// file beats env when no flags set
	res, err = LoadEffectiveConfig(Flags{Set: map[string]bool{}}, fileCfg, true, envCfg, true)
	if err != nil {
		t.Fatalf("effective config: %v", err)
	}
	if res.Source != "config" {
		t.Fatalf("source = %q", res.Source)
	}

	// env is the fallback
	res, err = LoadEffectiveConfig(Flags{Set: map[string]bool{}}, &Config{}, false, envCfg, true)
	if err != nil {
		t.Fatalf("effective config: %v", err)
	}
	if res.Source != "env" || res.DBPath != "/env/db" {
		t.Fatalf("source=%q db=%q", res.Source, res.DBPath)
	}
}
