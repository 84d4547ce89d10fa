package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	CRM        CRMConfig        `yaml:"crm" mapstructure:"crm"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Migration  MigrationConfig  `yaml:"migration" mapstructure:"migration"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backends. Imported entities and the
// Postgres queue always live in DatabaseURL; Driver selects where run state
// is kept.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CRMConfig holds the source CRM API settings.
type CRMConfig struct {
	BaseURL      string            `yaml:"base_url" mapstructure:"base_url"`
	Token        string            `yaml:"token" mapstructure:"token"`
	Tokens       map[string]string `yaml:"tokens" mapstructure:"tokens"`
	Source       string            `yaml:"source" mapstructure:"source"`
	RateLimitRPS float64           `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	TimeoutSecs  int               `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// QueueConfig selects and tunes the message transport.
type QueueConfig struct {
	Driver         string `yaml:"driver" mapstructure:"driver"`
	PollIntervalMs int    `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	LeaseSecs      int    `yaml:"lease_secs" mapstructure:"lease_secs"`
	Concurrency    int    `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts    int    `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// TemporalConfig configures the Temporal queue driver.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// MigrationConfig tunes the run state machine.
type MigrationConfig struct {
	MaxRateLimitRetries   int `yaml:"max_rate_limit_retries" mapstructure:"max_rate_limit_retries"`
	DefaultRetryAfterSecs int `yaml:"default_retry_after_secs" mapstructure:"default_retry_after_secs"`
}

// RetryConfig configures in-client retries of network failures.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// ServerConfig configures the control API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures run health alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StallMinutes         int     `yaml:"stall_minutes" mapstructure:"stall_minutes"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml, and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CRMIMPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "crm-import.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("crm.base_url", "https://api.crm.example.com/v1")
	v.SetDefault("crm.token", "")
	v.SetDefault("crm.source", "crm")
	v.SetDefault("crm.rate_limit_rps", 2.0)
	v.SetDefault("crm.timeout_secs", 30)
	v.SetDefault("queue.driver", "postgres")
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.lease_secs", 300)
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("temporal.host_port", "127.0.0.1:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "crm-import")
	v.SetDefault("migration.max_rate_limit_retries", 10)
	v.SetDefault("migration.default_retry_after_secs", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stall_minutes", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes: "migrate",
// "worker", "serve", "inspect".
func (c *Config) Validate(mode string) error {
	var errs []string

	requireDB := func() {
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}
	requireCRM := func() {
		if c.CRM.Token == "" && len(c.CRM.Tokens) == 0 {
			errs = append(errs, "crm.token or crm.tokens is required")
		}
		if c.CRM.BaseURL == "" {
			errs = append(errs, "crm.base_url is required")
		}
	}

	switch mode {
	case "migrate":
		requireDB()
		if c.Queue.Driver == "memory" {
			requireCRM()
		}
	case "worker":
		requireDB()
		requireCRM()
		if c.Queue.Concurrency <= 0 {
			errs = append(errs, "queue.concurrency must be > 0")
		}
	case "serve":
		requireDB()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "inspect":
		if c.Store.Driver != "sqlite" {
			requireDB()
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}
	switch c.Queue.Driver {
	case "postgres", "temporal", "memory":
	default:
		errs = append(errs, fmt.Sprintf("queue.driver %q must be postgres, temporal, or memory", c.Queue.Driver))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
