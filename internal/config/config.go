// Package config loads server configuration from a YAML file with
// sensible defaults for every field.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Storage StorageConfig `mapstructure:"storage"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Compute ComputeConfig `mapstructure:"compute"`
	Alarms  AlarmsConfig  `mapstructure:"alarms"`
	Notify  NotifyConfig  `mapstructure:"notify"`

	// Datasets are registered with the analytic engine at startup.
	Datasets []DatasetConfig `mapstructure:"datasets"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig configures the append-only event log. An empty URL
// disables it.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type ComputeConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

type AlarmsConfig struct {
	MinCheckInterval time.Duration `mapstructure:"min_check_interval"`
}

type NotifyConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

type DatasetConfig struct {
	ID     string `mapstructure:"id"`
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Load reads config.yaml from path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)

	v.SetDefault("app.name", "query-pilot")
	v.SetDefault("storage.path", "query_pilot.db")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", 5)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("compute.max_concurrent", 8)
	v.SetDefault("alarms.min_check_interval", 5*time.Second)
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.max_attempts", 3)
	v.SetDefault("notify.initial_delay", time.Second)
	v.SetDefault("notify.max_delay", 30*time.Second)
	v.SetDefault("notify.multiplier", 2.0)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
