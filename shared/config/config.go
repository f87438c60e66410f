// Package config loads service configuration from the environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrMissingPort      = errors.New("port is required")
	ErrMissingRedisAddr = errors.New("redis address is required")
	ErrInvalidLogFormat = errors.New("log format must be console or json")
)

// ConfigFileEnv names the environment variable pointing at an optional
// YAML/JSON/TOML config file.
const ConfigFileEnv = "CONFIG_FILE"

type Config struct {
	Service        string        `mapstructure:"-"`
	Port           string        `mapstructure:"port"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisDB        int           `mapstructure:"redis_db"`
	KafkaBrokers   string        `mapstructure:"kafka_brokers"`
	KafkaGroupID   string        `mapstructure:"kafka_group_id"`
	BaseURL        string        `mapstructure:"base_url"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
	BuildRetention time.Duration `mapstructure:"build_retention"`

	// Upstreams of the api-gateway.
	BuildOrchestratorURL string `mapstructure:"build_orchestrator_url"`
	StatusDashboardURL   string `mapstructure:"status_dashboard_url"`
}

func setDefaults(v *viper.Viper, service, defaultPort string) {
	v.SetDefault("port", defaultPort)
	v.SetDefault("redis_addr", "redis:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("kafka_brokers", "kafka:29092")
	v.SetDefault("kafka_group_id", service)
	v.SetDefault("base_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("build_retention", time.Duration(0))
	v.SetDefault("build_orchestrator_url", "http://build-orchestrator:8082")
	v.SetDefault("status_dashboard_url", "http://status-dashboard-api:8086")
}

func newViper(service, defaultPort string) *viper.Viper {
	v := viper.New()
	setDefaults(v, service, defaultPort)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration for service. Environment variables (PORT,
// REDIS_ADDR, BASE_URL, ...) take precedence over the config file named by
// CONFIG_FILE, which takes precedence over defaults.
func Load(service, defaultPort string) (*Config, error) {
	v := newViper(service, defaultPort)

	if path := os.Getenv(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Service = service

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return ErrMissingPort
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return ErrMissingRedisAddr
	}
	switch cfg.LogFormat {
	case "", "console", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, cfg.LogFormat)
	}
	return nil
}

// ListenAddr is the address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return ":" + c.Port
}
