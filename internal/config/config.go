package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr    = ":8080"
	defaultHistoryDBPath = "sumforge.db"
	defaultWorkers       = 8
	defaultMaxRetries    = 2
	defaultRetryBackoff  = 100 * time.Millisecond
	defaultJobTimeout    = 5 * time.Minute
	defaultRetention     = 24 * time.Hour
	defaultSweepInterval = 10 * time.Minute

	defaultAuthRatePerMinute = 10
	defaultDemoRatePerMinute = 5
	defaultAuthMaxN          = 1_000_000
	defaultAuthMaxChunks     = 100
	defaultDemoMaxN          = 10_000
	defaultDemoMaxChunks     = 8

	envConfigFile    = "SUMFORGE_CONFIG"
	envListenAddr    = "SUMFORGE_LISTEN_ADDR"
	envHistoryDBPath = "SUMFORGE_DB_PATH"
	envLogLevel      = "SUMFORGE_LOG_LEVEL"
	envWorkers       = "SUMFORGE_WORKERS"
	envJobTimeout    = "SUMFORGE_JOB_TIMEOUT"
	envRetention     = "SUMFORGE_RETENTION"
	envAuthTokens    = "SUMFORGE_AUTH_TOKENS"
)

// Limits bounds the work specification for one caller class.
type Limits struct {
	MaxN      int64 `yaml:"max_n"`
	MaxChunks int   `yaml:"max_chunks"`
}

// RateLimit configures one token bucket class: Capacity admissions in a
// burst, refilled at PerMinute tokens per minute.
type RateLimit struct {
	PerMinute int `yaml:"per_minute"`
}

// Config holds application configuration. Defaults are overlaid by an
// optional YAML file named by SUMFORGE_CONFIG, then by environment variables.
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	HistoryDBPath string        `yaml:"db_path"`
	LogLevel      slog.Level    `yaml:"-"`
	Workers       int           `yaml:"workers"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	AuthRate   RateLimit `yaml:"auth_rate"`
	DemoRate   RateLimit `yaml:"demo_rate"`
	AuthLimits Limits    `yaml:"auth_limits"`
	DemoLimits Limits    `yaml:"demo_limits"`

	// AuthTokens maps opaque bearer tokens to subject identifiers. This
	// stands in for the external identity provider.
	AuthTokens map[string]string `yaml:"auth_tokens"`
}

// Load reads configuration from the optional YAML file and environment
// variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:    defaultListenAddr,
		HistoryDBPath: defaultHistoryDBPath,
		LogLevel:      slog.LevelInfo,
		Workers:       defaultWorkers,
		MaxRetries:    defaultMaxRetries,
		RetryBackoff:  defaultRetryBackoff,
		JobTimeout:    defaultJobTimeout,
		Retention:     defaultRetention,
		SweepInterval: defaultSweepInterval,
		AuthRate:      RateLimit{PerMinute: defaultAuthRatePerMinute},
		DemoRate:      RateLimit{PerMinute: defaultDemoRatePerMinute},
		AuthLimits:    Limits{MaxN: defaultAuthMaxN, MaxChunks: defaultAuthMaxChunks},
		DemoLimits:    Limits{MaxN: defaultDemoMaxN, MaxChunks: defaultDemoMaxChunks},
		AuthTokens:    map[string]string{},
	}

	if path := os.Getenv(envConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		var file fileConfig
		if err := yaml.Unmarshal(data, &file); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
		file.apply(&cfg)
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envHistoryDBPath); v != "" {
		cfg.HistoryDBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv(envJobTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.JobTimeout = d
		}
	}
	if v := os.Getenv(envRetention); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Retention = d
		}
	}
	if v := os.Getenv(envAuthTokens); v != "" {
		cfg.AuthTokens = parseAuthTokens(v)
	}

	return cfg, nil
}

// fileConfig is the YAML file shape. Durations are parsed from strings so
// the file can say "5m" rather than nanosecond counts.
type fileConfig struct {
	ListenAddr    string            `yaml:"listen_addr"`
	DBPath        string            `yaml:"db_path"`
	LogLevel      string            `yaml:"log_level"`
	Workers       int               `yaml:"workers"`
	MaxRetries    *int              `yaml:"max_retries"`
	RetryBackoff  string            `yaml:"retry_backoff"`
	JobTimeout    string            `yaml:"job_timeout"`
	Retention     string            `yaml:"retention"`
	SweepInterval string            `yaml:"sweep_interval"`
	AuthRate      *RateLimit        `yaml:"auth_rate"`
	DemoRate      *RateLimit        `yaml:"demo_rate"`
	AuthLimits    *Limits           `yaml:"auth_limits"`
	DemoLimits    *Limits           `yaml:"demo_limits"`
	AuthTokens    map[string]string `yaml:"auth_tokens"`
}

func (f *fileConfig) apply(cfg *Config) {
	if f.ListenAddr != "" {
		cfg.ListenAddr = f.ListenAddr
	}
	if f.DBPath != "" {
		cfg.HistoryDBPath = f.DBPath
	}
	if f.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(f.LogLevel)
	}
	if f.Workers > 0 {
		cfg.Workers = f.Workers
	}
	if f.MaxRetries != nil && *f.MaxRetries >= 0 {
		cfg.MaxRetries = *f.MaxRetries
	}
	applyDuration(&cfg.RetryBackoff, f.RetryBackoff)
	applyDuration(&cfg.JobTimeout, f.JobTimeout)
	applyDuration(&cfg.Retention, f.Retention)
	applyDuration(&cfg.SweepInterval, f.SweepInterval)
	if f.AuthRate != nil && f.AuthRate.PerMinute > 0 {
		cfg.AuthRate = *f.AuthRate
	}
	if f.DemoRate != nil && f.DemoRate.PerMinute > 0 {
		cfg.DemoRate = *f.DemoRate
	}
	if f.AuthLimits != nil && f.AuthLimits.MaxN > 0 && f.AuthLimits.MaxChunks > 0 {
		cfg.AuthLimits = *f.AuthLimits
	}
	if f.DemoLimits != nil && f.DemoLimits.MaxN > 0 && f.DemoLimits.MaxChunks > 0 {
		cfg.DemoLimits = *f.DemoLimits
	}
	if len(f.AuthTokens) > 0 {
		cfg.AuthTokens = f.AuthTokens
	}
}

func applyDuration(dst *time.Duration, s string) {
	if s == "" {
		return
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		*dst = d
	}
}

// parseAuthTokens parses "token:subject,token:subject" pairs.
func parseAuthTokens(s string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, subject, ok := strings.Cut(pair, ":")
		if !ok || token == "" || subject == "" {
			continue
		}
		tokens[token] = subject
	}
	return tokens
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
