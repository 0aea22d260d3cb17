// Package config loads settings from an optional YAML file and environment
// variables, with env taking precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults applied before the file and environment are consulted.
const (
	DefaultAPIBaseURL          = "https://api.github.com"
	DefaultUserAgent           = "following-stars-rss"
	DefaultDBPath              = "following-stars.db"
	DefaultMaxConcurrency      = 5
	DefaultFeedLength          = 100
	DefaultIntervalMinutes     = 60
	DefaultMinIntervalMinutes  = 10
	DefaultMaxIntervalMinutes  = 10080
	DefaultFetchTimeout        = 30 * time.Second
	DefaultBindAddress         = "127.0.0.1"
	DefaultPort                = 8080
	DefaultRefreshMinutes      = 15
	DefaultMaintenanceSchedule = "0 5 * * *"
)

// Config holds the full runtime configuration.
type Config struct {
	// GitHub
	Token        string
	APIBaseURL   string
	UserAgent    string
	FetchTimeout time.Duration

	// Polling
	MaxConcurrency         int
	DefaultIntervalMinutes int64
	MinIntervalMinutes     int64
	MaxIntervalMinutes     int64
	RefreshInterval        time.Duration

	// Storage and feed
	DBPath     string
	FeedLength int

	// Server
	BindAddress string
	Port        int
	PathPrefix  string

	// Maintenance
	MaintenanceSchedule string
}

// ListenAddr renders the bind address and port as a net listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// fileConfig mirrors the YAML layout. Pointer fields distinguish absent keys
// from explicit zero values.
type fileConfig struct {
	GitHub struct {
		Token       *string `yaml:"token"`
		APIBaseURL  *string `yaml:"api_base_url"`
		UserAgent   *string `yaml:"user_agent"`
		TimeoutSecs *int    `yaml:"timeout_secs"`
	} `yaml:"github"`
	Polling struct {
		MaxConcurrency         *int   `yaml:"max_concurrency"`
		DefaultIntervalMinutes *int64 `yaml:"default_interval_minutes"`
		MinIntervalMinutes     *int64 `yaml:"min_interval_minutes"`
		MaxIntervalMinutes     *int64 `yaml:"max_interval_minutes"`
		RefreshMinutes         *int   `yaml:"refresh_minutes"`
	} `yaml:"polling"`
	App struct {
		DBPath     *string `yaml:"db_path"`
		FeedLength *int    `yaml:"feed_length"`
	} `yaml:"app"`
	Server struct {
		Bind        *string `yaml:"bind"`
		Port        *int    `yaml:"port"`
		ServePrefix *string `yaml:"serve_prefix"`
	} `yaml:"server"`
	Maintenance struct {
		Schedule *string `yaml:"schedule"`
	} `yaml:"maintenance"`
}

// Load builds the configuration: defaults, then the YAML file named by
// FOLLOWSTARS_CONFIG (if set), then FOLLOWSTARS_* environment variables and
// GITHUB_TOKEN. Returns an error listing every invalid setting.
func Load() (*Config, error) {
	cfg := &Config{
		APIBaseURL:             DefaultAPIBaseURL,
		UserAgent:              DefaultUserAgent,
		FetchTimeout:           DefaultFetchTimeout,
		MaxConcurrency:         DefaultMaxConcurrency,
		DefaultIntervalMinutes: DefaultIntervalMinutes,
		MinIntervalMinutes:     DefaultMinIntervalMinutes,
		MaxIntervalMinutes:     DefaultMaxIntervalMinutes,
		RefreshInterval:        DefaultRefreshMinutes * time.Minute,
		DBPath:                 DefaultDBPath,
		FeedLength:             DefaultFeedLength,
		BindAddress:            DefaultBindAddress,
		Port:                   DefaultPort,
		MaintenanceSchedule:    DefaultMaintenanceSchedule,
	}

	var errs []string

	if path := os.Getenv("FOLLOWSTARS_CONFIG"); path != "" {
		if err := applyFile(cfg, path, &errs); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg, &errs)

	cfg.PathPrefix = canonicalizePrefix(cfg.PathPrefix, &errs)
	validate(cfg, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string, errs *[]string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setInt64 := func(dst *int64, src *int64) {
		if src != nil {
			*dst = *src
		}
	}
	setStr(&cfg.Token, fc.GitHub.Token)
	setStr(&cfg.APIBaseURL, fc.GitHub.APIBaseURL)
	setStr(&cfg.UserAgent, fc.GitHub.UserAgent)
	if fc.GitHub.TimeoutSecs != nil {
		cfg.FetchTimeout = time.Duration(*fc.GitHub.TimeoutSecs) * time.Second
	}

	setInt(&cfg.MaxConcurrency, fc.Polling.MaxConcurrency)
	setInt64(&cfg.DefaultIntervalMinutes, fc.Polling.DefaultIntervalMinutes)
	setInt64(&cfg.MinIntervalMinutes, fc.Polling.MinIntervalMinutes)
	setInt64(&cfg.MaxIntervalMinutes, fc.Polling.MaxIntervalMinutes)
	if fc.Polling.RefreshMinutes != nil {
		cfg.RefreshInterval = time.Duration(*fc.Polling.RefreshMinutes) * time.Minute
	}

	setStr(&cfg.DBPath, fc.App.DBPath)
	setInt(&cfg.FeedLength, fc.App.FeedLength)

	setStr(&cfg.BindAddress, fc.Server.Bind)
	setInt(&cfg.Port, fc.Server.Port)
	setStr(&cfg.PathPrefix, fc.Server.ServePrefix)

	setStr(&cfg.MaintenanceSchedule, fc.Maintenance.Schedule)
	return nil
}

func applyEnv(cfg *Config, errs *[]string) {
	cfg.Token = envStr("GITHUB_TOKEN", cfg.Token)
	cfg.APIBaseURL = envStr("FOLLOWSTARS_API_BASE_URL", cfg.APIBaseURL)
	cfg.UserAgent = envStr("FOLLOWSTARS_USER_AGENT", cfg.UserAgent)
	cfg.FetchTimeout = time.Duration(envInt("FOLLOWSTARS_TIMEOUT_SECS", int(cfg.FetchTimeout/time.Second), errs)) * time.Second

	cfg.MaxConcurrency = envInt("FOLLOWSTARS_MAX_CONCURRENCY", cfg.MaxConcurrency, errs)
	cfg.DefaultIntervalMinutes = envInt64("FOLLOWSTARS_DEFAULT_INTERVAL_MINUTES", cfg.DefaultIntervalMinutes, errs)
	cfg.MinIntervalMinutes = envInt64("FOLLOWSTARS_MIN_INTERVAL_MINUTES", cfg.MinIntervalMinutes, errs)
	cfg.MaxIntervalMinutes = envInt64("FOLLOWSTARS_MAX_INTERVAL_MINUTES", cfg.MaxIntervalMinutes, errs)
	cfg.RefreshInterval = time.Duration(envInt("FOLLOWSTARS_REFRESH_MINUTES", int(cfg.RefreshInterval/time.Minute), errs)) * time.Minute

	cfg.DBPath = envStr("FOLLOWSTARS_DB_PATH", cfg.DBPath)
	cfg.FeedLength = envInt("FOLLOWSTARS_FEED_LENGTH", cfg.FeedLength, errs)

	cfg.BindAddress = envStr("FOLLOWSTARS_BIND", cfg.BindAddress)
	cfg.Port = envInt("FOLLOWSTARS_PORT", cfg.Port, errs)
	cfg.PathPrefix = envStr("FOLLOWSTARS_SERVE_PREFIX", cfg.PathPrefix)

	cfg.MaintenanceSchedule = envStr("FOLLOWSTARS_MAINTENANCE_SCHEDULE", cfg.MaintenanceSchedule)
}

func validate(cfg *Config, errs *[]string) {
	if strings.TrimSpace(cfg.Token) == "" {
		*errs = append(*errs, "GITHUB_TOKEN must be set")
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		*errs = append(*errs, "FOLLOWSTARS_API_BASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.BindAddress) == "" {
		*errs = append(*errs, "FOLLOWSTARS_BIND must not be empty")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		*errs = append(*errs, fmt.Sprintf("FOLLOWSTARS_PORT: port must be 1-65535, got %d", cfg.Port))
	}
	if cfg.MaxConcurrency <= 0 {
		*errs = append(*errs, fmt.Sprintf("FOLLOWSTARS_MAX_CONCURRENCY: must be positive, got %d", cfg.MaxConcurrency))
	}
	if cfg.FeedLength <= 0 {
		*errs = append(*errs, fmt.Sprintf("FOLLOWSTARS_FEED_LENGTH: must be positive, got %d", cfg.FeedLength))
	}
	if cfg.DefaultIntervalMinutes <= 0 {
		*errs = append(*errs, fmt.Sprintf("FOLLOWSTARS_DEFAULT_INTERVAL_MINUTES: must be positive, got %d", cfg.DefaultIntervalMinutes))
	}
	if cfg.MinIntervalMinutes <= 0 {
		*errs = append(*errs, fmt.Sprintf("FOLLOWSTARS_MIN_INTERVAL_MINUTES: must be positive, got %d", cfg.MinIntervalMinutes))
	}
	if cfg.MaxIntervalMinutes <= 0 {
		*errs = append(*errs, fmt.Sprintf("FOLLOWSTARS_MAX_INTERVAL_MINUTES: must be positive, got %d", cfg.MaxIntervalMinutes))
	}
	if cfg.MinIntervalMinutes > cfg.MaxIntervalMinutes {
		*errs = append(*errs, "FOLLOWSTARS_MIN_INTERVAL_MINUTES must be less than or equal to FOLLOWSTARS_MAX_INTERVAL_MINUTES")
	}
	if cfg.FetchTimeout <= 0 {
		*errs = append(*errs, "FOLLOWSTARS_TIMEOUT_SECS must be positive")
	}
	if cfg.RefreshInterval <= 0 {
		*errs = append(*errs, "FOLLOWSTARS_REFRESH_MINUTES must be positive")
	}
	// An empty schedule disables maintenance entirely.
	if cfg.MaintenanceSchedule != "" {
		if _, err := cron.ParseStandard(cfg.MaintenanceSchedule); err != nil {
			*errs = append(*errs, fmt.Sprintf("FOLLOWSTARS_MAINTENANCE_SCHEDULE: invalid cron expression %q: %v", cfg.MaintenanceSchedule, err))
		}
	}
}

// canonicalizePrefix normalizes a mount prefix: a blank or "/" prefix means
// none; otherwise the result has a single leading slash, no trailing slash,
// and no empty segments. Whitespace inside the prefix is rejected.
func canonicalizePrefix(raw string, errs *[]string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if strings.ContainsAny(trimmed, " \t") {
		*errs = append(*errs, fmt.Sprintf("FOLLOWSTARS_SERVE_PREFIX: must not contain whitespace, got %q", raw))
		return ""
	}

	var segments []string
	for _, seg := range strings.Split(trimmed, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return ""
	}
	return "/" + strings.Join(segments, "/")
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envInt64(key string, defaultVal int64, errs *[]string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}
