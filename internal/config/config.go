package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all KPI engine configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Records   RecordsConfig   `mapstructure:"records"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Lock      LockConfig      `mapstructure:"lock"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
}

// StorageConfig defines the engine database.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// RecordsConfig selects where normalized records are read from.
type RecordsConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

// ServerConfig defines HTTP API settings.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines how API bearer tokens are verified.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// SchedulerConfig defines the periodic catch-up.
type SchedulerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	Parallelism int           `mapstructure:"parallelism"`
	MaxPeriods  int           `mapstructure:"max_periods"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// LockConfig selects the per-KPI lock backend.
type LockConfig struct {
	Backend string        `mapstructure:"backend"` // local or redis
	Prefix  string        `mapstructure:"prefix"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig defines the Redis connection used for shared locks.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AlertsConfig defines alerting integrations.
type AlertsConfig struct {
	// Actions lists the transition actions that are notified.
	Actions []string      `mapstructure:"actions"`
	Slack   SlackConfig   `mapstructure:"slack"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
}

// SlackConfig defines Slack webhook settings.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// WebhookConfig defines generic webhook settings.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"`
}

// KafkaConfig defines the transition topic.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BootstrapConfig points at a KPI definition file applied at startup.
type BootstrapConfig struct {
	File string `mapstructure:"file"`
}

// Load reads configuration from file and environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("find home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".kpi"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Defaults
	home, _ := os.UserHomeDir()
	v.SetDefault("storage.path", filepath.Join(home, ".kpi", "engine.db"))
	v.SetDefault("records.driver", "sqlite")
	v.SetDefault("records.dsn", filepath.Join(home, ".kpi", "records.db"))
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.parallelism", 4)
	v.SetDefault("scheduler.max_periods", 1000)
	v.SetDefault("scheduler.backoff_base", "30s")
	v.SetDefault("scheduler.backoff_max", "30m")
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.prefix", "kpi:lock:")
	v.SetDefault("lock.ttl", "30s")
	v.SetDefault("lock.redis.addr", "localhost:6379")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("lock.redis.db", 0)
	v.SetDefault("alerts.actions", []string{"created", "acknowledged", "resolved"})
	v.SetDefault("alerts.slack.enabled", false)
	v.SetDefault("alerts.slack.webhook_url", "")
	v.SetDefault("alerts.slack.channel", "#kpi-alerts")
	v.SetDefault("alerts.webhook.enabled", false)
	v.SetDefault("alerts.webhook.url", "")
	v.SetDefault("alerts.webhook.secret", "")
	v.SetDefault("alerts.kafka.enabled", false)
	v.SetDefault("alerts.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("alerts.kafka.topic", "kpi-alert-transitions")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("bootstrap.file", "")

	// Environment variables
	v.SetEnvPrefix("KPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	switch c.Records.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("records.driver must be sqlite or postgres, got %q", c.Records.Driver)
	}
	switch c.Lock.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("lock.backend must be local or redis, got %q", c.Lock.Backend)
	}
	for _, a := range c.Alerts.Actions {
		switch a {
		case "created", "refreshed", "acknowledged", "resolved":
		default:
			return fmt.Errorf("alerts.actions: unknown action %q", a)
		}
	}
	return nil
}
