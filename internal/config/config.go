package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Warehouse WarehouseConfig `yaml:"warehouse" mapstructure:"warehouse"`
	State     StateConfig     `yaml:"state" mapstructure:"state"`
	Gate      GateConfig      `yaml:"gate" mapstructure:"gate"`
	Breaker   BreakerConfig   `yaml:"breaker" mapstructure:"breaker"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	SelfHeal  SelfHealConfig  `yaml:"selfheal" mapstructure:"selfheal"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// WarehouseConfig configures the analytical warehouse connection.
type WarehouseConfig struct {
	DatabaseURL   string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns      int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns      int32  `yaml:"min_conns" mapstructure:"min_conns"`
	DatasetPrefix string `yaml:"dataset_prefix" mapstructure:"dataset_prefix"`
}

// StateConfig configures the orchestration state store backend.
type StateConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres | sqlite
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// GateConfig configures the completeness and staleness resolver.
type GateConfig struct {
	CheckTimeout time.Duration `yaml:"check_timeout" mapstructure:"check_timeout"`
	// BootstrapDays is the early-period window (e.g. first N days of a
	// season) during which bootstrap-exempt requirements are bypassed.
	BootstrapDays int `yaml:"bootstrap_days" mapstructure:"bootstrap_days"`
	// SeasonStart anchors the bootstrap window (YYYY-MM-DD).
	SeasonStart string `yaml:"season_start" mapstructure:"season_start"`
}

// BreakerConfig configures the per-entity circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window" mapstructure:"failure_window"`
	Cooldown         time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
}

// BatchConfig configures the batch coordinator and worker pool.
type BatchConfig struct {
	MaxWorkers      int           `yaml:"max_workers" mapstructure:"max_workers"`
	PreloadTimeout  time.Duration `yaml:"preload_timeout" mapstructure:"preload_timeout"`
	WallClockBudget time.Duration `yaml:"wall_clock_budget" mapstructure:"wall_clock_budget"`
	ProgressEvery   int           `yaml:"progress_every" mapstructure:"progress_every"`
}

// SelfHealConfig configures the delayed re-check scheduler.
type SelfHealConfig struct {
	Delay      time.Duration `yaml:"delay" mapstructure:"delay"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
}

// NotifyConfig configures operator notifications.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	// RatePerMinute bounds webhook deliveries; further occurrences of a
	// signature are aggregated into counts.
	RatePerMinute float64       `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
}

// ServerConfig configures the completion-event webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("warehouse.max_conns", 10)
	v.SetDefault("warehouse.min_conns", 2)
	v.SetDefault("state.driver", "postgres")
	v.SetDefault("state.sqlite_path", "pipeline_state.db")
	v.SetDefault("gate.check_timeout", "30s")
	v.SetDefault("gate.bootstrap_days", 14)
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.failure_window", "24h")
	v.SetDefault("breaker.cooldown", "6h")
	v.SetDefault("batch.max_workers", 10)
	v.SetDefault("batch.preload_timeout", "2m")
	v.SetDefault("batch.wall_clock_budget", "30m")
	v.SetDefault("batch.progress_every", 50)
	v.SetDefault("selfheal.delay", "45m")
	v.SetDefault("selfheal.max_retries", 3)
	v.SetDefault("notify.rate_per_minute", 6)
	v.SetDefault("notify.flush_interval", "5m")
	v.SetDefault("server.port", 8080)
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
