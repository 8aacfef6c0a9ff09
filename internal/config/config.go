package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Auth     AuthConfig     `mapstructure:"auth"`
	App      AppConfig      `mapstructure:"app"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug | release
	WorkerID int64  `mapstructure:"worker_id"` // snowflake worker, unique per replica
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | text
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql | postgres
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	Currency      string `mapstructure:"currency"`
	ProductName   string `mapstructure:"product_name"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type AppConfig struct {
	FrontendURL string `mapstructure:"frontend_url"`
}

type BusinessConfig struct {
	SessionTimeoutMinutes int    `mapstructure:"session_timeout_minutes"`
	SessionGraceMinutes   int    `mapstructure:"session_grace_minutes"`
	MaxTopUpAmount        string `mapstructure:"max_top_up_amount"`
	MaxRetryCount         int    `mapstructure:"max_retry_count"`
	EventGuardTTLMinutes  int    `mapstructure:"event_guard_ttl_minutes"`
}

// SessionTimeout is clamped to the 30 minute .. 24 hour window accepted by the processor.
func (b BusinessConfig) SessionTimeout() time.Duration {
	d := time.Duration(b.SessionTimeoutMinutes) * time.Minute
	if d < 30*time.Minute {
		return 30 * time.Minute
	}
	if d > 24*time.Hour {
		return 24 * time.Hour
	}
	return d
}

func (b BusinessConfig) SessionGrace() time.Duration {
	return time.Duration(b.SessionGraceMinutes) * time.Minute
}

func (b BusinessConfig) EventGuardTTL() time.Duration {
	return time.Duration(b.EventGuardTTLMinutes) * time.Minute
}

// IsRelease reports whether the service runs in gin release mode.
func (c *Config) IsRelease() bool {
	return c.Server.Mode == "release"
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set")
	}
	if c.IsRelease() {
		if c.Stripe.SecretKey == "" {
			return errors.New("stripe.secret_key must be set in release mode")
		}
		if c.Stripe.WebhookSecret == "" {
			return errors.New("stripe.webhook_secret must be set in release mode")
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers must be set when kafka is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "clubledger")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "clubledger")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic.ledger_events", "ledger.events")
	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.currency", "eur")
	v.SetDefault("stripe.product_name", "Account top-up")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("app.frontend_url", "http://localhost:3000")
	v.SetDefault("business.session_timeout_minutes", 60)
	v.SetDefault("business.session_grace_minutes", 60)
	v.SetDefault("business.max_top_up_amount", "5000")
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.event_guard_ttl_minutes", 1440)
}

// LoadConfig reads the yaml file at configPath and applies environment overrides.
//
// The file is optional. Every key has a default so that it can be overridden from
// the environment with the CLUBLEDGER_ prefix, e.g. CLUBLEDGER_STRIPE_SECRET_KEY.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("clubledger")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
