package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// holds parsed command-line flag values and which were set
type Flags struct {
	DB     string
	Server string
	Config string
	Set    map[string]bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config *Config
	DBPath string
	Source string // "flags", "config", or "env"
}

// parses command-line flags and returns them as a Flags struct
func ParseConfigFlags() Flags {
	dbPtr := flag.String("db", defaultStorePath, "local store path")
	srvPtr := flag.String("server", "", "remote base URL")
	cfgPtr := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	return Flags{DB: *dbPtr, Server: *srvPtr, Config: *cfgPtr, Set: setFlags}
}

// loads config from file, returns config, found bool, and error
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := LoadConfigFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// loads environment variables into a new Config; caller config is unchanged
func ParseConfigEnvs() (*Config, bool) {
	envs := map[string]string{
		"STORE_PATH":      os.Getenv("MURMURSYNC_STORE_PATH"),
		"SERVER_URL":      os.Getenv("MURMURSYNC_SERVER_URL"),
		"FEED_URL":        os.Getenv("MURMURSYNC_FEED_URL"),
		"REQUEST_TIMEOUT": os.Getenv("MURMURSYNC_REQUEST_TIMEOUT"),
		"WRITE_RPS":       os.Getenv("MURMURSYNC_WRITE_RPS"),
		"WRITE_BURST":     os.Getenv("MURMURSYNC_WRITE_BURST"),

		"CACHE_CAPACITY": os.Getenv("MURMURSYNC_CACHE_CAPACITY"),
		"CACHE_TTL":      os.Getenv("MURMURSYNC_CACHE_TTL"),
		"CACHE_WINDOW":   os.Getenv("MURMURSYNC_CACHE_WINDOW"),

		"OUTBOX_TICK_INTERVAL":   os.Getenv("MURMURSYNC_OUTBOX_TICK_INTERVAL"),
		"OUTBOX_BACKOFF_BASE":    os.Getenv("MURMURSYNC_OUTBOX_BACKOFF_BASE"),
		"OUTBOX_BACKOFF_CEILING": os.Getenv("MURMURSYNC_OUTBOX_BACKOFF_CEILING"),
		"OUTBOX_MAX_ATTEMPTS":    os.Getenv("MURMURSYNC_OUTBOX_MAX_ATTEMPTS"),
		"OUTBOX_CONCURRENCY":     os.Getenv("MURMURSYNC_OUTBOX_CONCURRENCY"),
		"OUTBOX_SWEEP_CRON":      os.Getenv("MURMURSYNC_OUTBOX_SWEEP_CRON"),
		"OUTBOX_SWEEP_MAX_AGE":   os.Getenv("MURMURSYNC_OUTBOX_SWEEP_MAX_AGE"),

		"SYNC_BATCH_LIMIT":   os.Getenv("MURMURSYNC_SYNC_BATCH_LIMIT"),
		"SYNC_FETCH_TIMEOUT": os.Getenv("MURMURSYNC_SYNC_FETCH_TIMEOUT"),

		"FEED_DIAL_TIMEOUT":    os.Getenv("MURMURSYNC_FEED_DIAL_TIMEOUT"),
		"FEED_PROBE_INTERVAL":  os.Getenv("MURMURSYNC_FEED_PROBE_INTERVAL"),
		"FEED_STALE_THRESHOLD": os.Getenv("MURMURSYNC_FEED_STALE_THRESHOLD"),
		"FEED_POLL_INTERVAL":   os.Getenv("MURMURSYNC_FEED_POLL_INTERVAL"),

		"LOG_LEVEL": os.Getenv("MURMURSYNC_LOG_LEVEL"),

		"METRICS_ENABLED": os.Getenv("MURMURSYNC_METRICS_ENABLED"),
		"METRICS_ADDR":    os.Getenv("MURMURSYNC_METRICS_ADDR"),

		"IDENTITY": os.Getenv("MURMURSYNC_IDENTITY"),
	}

	envUsed := false
	for _, v := range envs {
		if v != "" {
			envUsed = true
			break
		}
	}
	envCfg := &Config{}

	parseBool := func(v string, def bool) bool {
		if v == "" {
			return def
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true
		default:
			return false
		}
	}

	parseDuration := func(v string) Duration {
		if strings.TrimSpace(v) == "" {
			return Duration(0)
		}
		if td, err := time.ParseDuration(v); err == nil {
			return Duration(td)
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return Duration(time.Duration(f * float64(time.Second)))
		}
		return Duration(0)
	}

	parseIntInto := func(v string, dst *int) {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}

	if v := envs["STORE_PATH"]; v != "" {
		envCfg.Store.Path = v
	}
	if v := envs["SERVER_URL"]; v != "" {
		envCfg.Remote.BaseURL = v
	}
	if v := envs["FEED_URL"]; v != "" {
		envCfg.Remote.FeedURL = v
	}
	if v := envs["REQUEST_TIMEOUT"]; v != "" {
		envCfg.Remote.RequestTimeout = parseDuration(v)
	}
	if v := envs["WRITE_RPS"]; v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envCfg.Remote.WriteRPS = f
		}
	}
	if v := envs["WRITE_BURST"]; v != "" {
		parseIntInto(v, &envCfg.Remote.WriteBurst)
	}

	if v := envs["CACHE_CAPACITY"]; v != "" {
		parseIntInto(v, &envCfg.Cache.Capacity)
	}
	if v := envs["CACHE_TTL"]; v != "" {
		envCfg.Cache.TTL = parseDuration(v)
	}
	if v := envs["CACHE_WINDOW"]; v != "" {
		parseIntInto(v, &envCfg.Cache.Window)
	}

	if v := envs["OUTBOX_TICK_INTERVAL"]; v != "" {
		envCfg.Outbox.TickInterval = parseDuration(v)
	}
	if v := envs["OUTBOX_BACKOFF_BASE"]; v != "" {
		envCfg.Outbox.BackoffBase = parseDuration(v)
	}
	if v := envs["OUTBOX_BACKOFF_CEILING"]; v != "" {
		envCfg.Outbox.BackoffCeiling = parseDuration(v)
	}
	if v := envs["OUTBOX_MAX_ATTEMPTS"]; v != "" {
		parseIntInto(v, &envCfg.Outbox.MaxAttempts)
	}
	if v := envs["OUTBOX_CONCURRENCY"]; v != "" {
		parseIntInto(v, &envCfg.Outbox.Concurrency)
	}
	if v := envs["OUTBOX_SWEEP_CRON"]; v != "" {
		envCfg.Outbox.SweepCron = v
	}
	if v := envs["OUTBOX_SWEEP_MAX_AGE"]; v != "" {
		envCfg.Outbox.SweepMaxAge = parseDuration(v)
	}

	if v := envs["SYNC_BATCH_LIMIT"]; v != "" {
		parseIntInto(v, &envCfg.Sync.BatchLimit)
	}
	if v := envs["SYNC_FETCH_TIMEOUT"]; v != "" {
		envCfg.Sync.FetchTimeout = parseDuration(v)
	}

	if v := envs["FEED_DIAL_TIMEOUT"]; v != "" {
		envCfg.Feed.DialTimeout = parseDuration(v)
	}
	if v := envs["FEED_PROBE_INTERVAL"]; v != "" {
		envCfg.Feed.ProbeInterval = parseDuration(v)
	}
	if v := envs["FEED_STALE_THRESHOLD"]; v != "" {
		envCfg.Feed.StaleThreshold = parseDuration(v)
	}
	if v := envs["FEED_POLL_INTERVAL"]; v != "" {
		envCfg.Feed.PollInterval = parseDuration(v)
	}

	if v := envs["LOG_LEVEL"]; v != "" {
		envCfg.Logging.Level = strings.TrimSpace(v)
	}
	if v := envs["METRICS_ENABLED"]; v != "" {
		envCfg.Metrics.Enabled = parseBool(v, false)
	}
	if v := envs["METRICS_ADDR"]; v != "" {
		envCfg.Metrics.Addr = v
	}
	if v := envs["IDENTITY"]; v != "" {
		envCfg.Identity.Self = strings.TrimSpace(v)
	}
	return envCfg, envUsed
}

// decides which single source to use (flags, config file, or env) and
// returns the effective config plus resolved store path. if --config is
// set, only the config file is used; otherwise flags if set; else config
// file if present; else env
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envUsed bool) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult

	if flags.Set["config"] {
		if !fileExists {
			return res, fmt.Errorf("config file %s not found", flags.Config)
		}
		res.Config = fileCfg
		res.DBPath = fileCfg.Store.Path
		res.Source = "config"
		return res, nil
	}

	if flags.Set["db"] || flags.Set["server"] {
		out := &Config{}
		if fileExists {
			*out = *fileCfg
		} else if envUsed {
			*out = *envCfg
		}
		if flags.Set["db"] {
			out.Store.Path = flags.DB
		}
		if flags.Set["server"] {
			out.Remote.BaseURL = flags.Server
		}
		res.Config = out
		res.DBPath = out.Store.Path
		res.Source = "flags"
		return res, nil
	}

	if fileExists {
		res.Config = fileCfg
		res.DBPath = fileCfg.Store.Path
		res.Source = "config"
		return res, nil
	}
	res.Config = envCfg
	res.DBPath = envCfg.Store.Path
	res.Source = "env"
	return res, nil
}
