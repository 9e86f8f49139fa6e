// Package config loads the application configuration from file and
// environment (prefix P3EDGE).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the forecasting service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Forecast  ForecastConfig  `mapstructure:"forecast"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
	Timezone string `mapstructure:"timezone"`
}

// ServerConfig contains the HTTP host settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// StorageConfig points at the shared stores.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	ModelDir string         `mapstructure:"model_dir"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds the connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ForecastConfig carries the core tuning knobs.
type ForecastConfig struct {
	EWMAAlpha             float64 `mapstructure:"ewma_alpha"`
	LearningRate          float64 `mapstructure:"learning_rate"`
	RetrainIntervalDays   int     `mapstructure:"retrain_interval_days"`
	RetrainErrorFactor    float64 `mapstructure:"retrain_error_factor"`
	MinPersistIntervalSec int     `mapstructure:"min_persist_interval_sec"`
	DefaultConfidence     float64 `mapstructure:"default_confidence"`
	HorizonMaxDays        int     `mapstructure:"horizon_max_days"`
	OrderLeadDays         int     `mapstructure:"order_lead_days"`
	BackfillWindowDays    int     `mapstructure:"backfill_window_days"`
	LowStockConfidence    float64 `mapstructure:"low_stock_confidence"`
	MaxParallelForecast   int     `mapstructure:"max_parallel_forecast"`
	RegistryMaxEntries    int     `mapstructure:"registry_max_entries"`
}

func (f ForecastConfig) RetrainInterval() time.Duration {
	return time.Duration(f.RetrainIntervalDays) * 24 * time.Hour
}

func (f ForecastConfig) MinPersistInterval() time.Duration {
	return time.Duration(f.MinPersistIntervalSec) * time.Second
}

func (f ForecastConfig) BackfillWindow() time.Duration {
	return time.Duration(f.BackfillWindowDays) * 24 * time.Hour
}

// SchedulerConfig drives the periodic retrain loop.
type SchedulerConfig struct {
	DailyTime   string `mapstructure:"daily_time"`
	MaxParallel int    `mapstructure:"max_parallel"`
}

// TelemetryConfig contains monitoring settings.
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig reads the configuration from the given file, or from the
// default search path when path is empty. Environment variables with the
// P3EDGE prefix override file values; a missing config file just means
// defaults plus environment.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.timezone", "Local")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("storage.model_dir", "models")
	viper.SetDefault("forecast.ewma_alpha", 0.3)
	viper.SetDefault("forecast.learning_rate", 1e-3)
	viper.SetDefault("forecast.retrain_interval_days", 7)
	viper.SetDefault("forecast.retrain_error_factor", 0.5)
	viper.SetDefault("forecast.min_persist_interval_sec", 60)
	viper.SetDefault("forecast.default_confidence", 0.95)
	viper.SetDefault("forecast.horizon_max_days", 90)
	viper.SetDefault("forecast.order_lead_days", 3)
	viper.SetDefault("forecast.backfill_window_days", 90)
	viper.SetDefault("forecast.low_stock_confidence", 0.5)
	viper.SetDefault("forecast.max_parallel_forecast", 8)
	viper.SetDefault("forecast.registry_max_entries", 1024)
	viper.SetDefault("scheduler.daily_time", "0 2 * * *")
	viper.SetDefault("scheduler.max_parallel", 4)
	viper.SetDefault("telemetry.enabled", false)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("P3EDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
