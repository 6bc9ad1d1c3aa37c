// Package config loads service settings from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the service.
type Config struct {
	Environment string `mapstructure:"ENVIRONMENT"`
	ServerPort  string `mapstructure:"SERVER_PORT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	AutoMigrate bool   `mapstructure:"AUTO_MIGRATE"`

	JWTSecret       string `mapstructure:"JWT_SECRET"`
	OperatorKeyHash string `mapstructure:"OPERATOR_KEY_HASH"`

	RedisURL           string `mapstructure:"REDIS_URL"`
	RateLimitPrefix    string `mapstructure:"RATE_LIMIT_PREFIX"`
	RateLimitPerMinute int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`

	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	NotificationExchange string `mapstructure:"NOTIFICATION_EXCHANGE"`
	OutboxSchedule       string `mapstructure:"OUTBOX_SCHEDULE"`
	OutboxBatchSize      int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts    int    `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
	ReconcileSchedule    string `mapstructure:"RECONCILE_SCHEDULE"`

	PaymentProcessorURL     string `mapstructure:"PAYMENT_PROCESSOR_URL"`
	PaymentProcessorAPIKey  string `mapstructure:"PAYMENT_PROCESSOR_API_KEY"`
	PaymentMaxAttempts      int    `mapstructure:"PAYMENT_MAX_ATTEMPTS"`
	PaymentInitialBackoffMS int    `mapstructure:"PAYMENT_INITIAL_BACKOFF_MS"`
	PaymentTimeoutSeconds   int    `mapstructure:"PAYMENT_TIMEOUT_SECONDS"`

	PlatformFeeBps     int64 `mapstructure:"PLATFORM_FEE_BPS"`
	DisputeWindowHours int   `mapstructure:"DISPUTE_WINDOW_HOURS"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

var keys = []string{
	"ENVIRONMENT", "SERVER_PORT", "DATABASE_URL", "AUTO_MIGRATE", "JWT_SECRET", "OPERATOR_KEY_HASH",
	"REDIS_URL", "RATE_LIMIT_PREFIX", "RATE_LIMIT_PER_MINUTE", "RABBITMQ_URL", "NOTIFICATION_EXCHANGE",
	"OUTBOX_SCHEDULE", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_ATTEMPTS", "RECONCILE_SCHEDULE",
	"PAYMENT_PROCESSOR_URL", "PAYMENT_PROCESSOR_API_KEY", "PAYMENT_MAX_ATTEMPTS",
	"PAYMENT_INITIAL_BACKOFF_MS", "PAYMENT_TIMEOUT_SECONDS", "PLATFORM_FEE_BPS",
	"DISPUTE_WINDOW_HOURS", "LOG_LEVEL", "LOG_FORMAT",
}

// Load reads configuration from the environment. A .env file in dir, if
// present, is loaded into the process environment first; variables already
// set win over the file.
func Load(dir string, log logrus.FieldLogger) (Config, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if dir != "" {
		if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warn("failed to read .env file; using environment values")
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("AUTO_MIGRATE", true)
	v.SetDefault("RATE_LIMIT_PREFIX", "contractflow:rate_limit")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 60)
	v.SetDefault("NOTIFICATION_EXCHANGE", "contract_events")
	v.SetDefault("OUTBOX_SCHEDULE", "@every 5s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 50)
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", 10)
	v.SetDefault("RECONCILE_SCHEDULE", "@every 10m")
	v.SetDefault("PAYMENT_MAX_ATTEMPTS", 3)
	v.SetDefault("PAYMENT_INITIAL_BACKOFF_MS", 200)
	v.SetDefault("PAYMENT_TIMEOUT_SECONDS", 3)
	v.SetDefault("PLATFORM_FEE_BPS", 1250)
	v.SetDefault("DISPUTE_WINDOW_HOURS", 120)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	// Bind explicitly so unset keys without defaults still appear in Unmarshal.
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("SERVER_PORT", "SERVER_PORT", "PORT")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize(log)
	return cfg, nil
}

// normalize trims strings and clamps out-of-range values with a warning.
func (c *Config) normalize(log logrus.FieldLogger) {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.PaymentProcessorURL = strings.TrimSpace(c.PaymentProcessorURL)
	c.RateLimitPrefix = strings.TrimSpace(c.RateLimitPrefix)
	if c.RateLimitPrefix == "" {
		c.RateLimitPrefix = "contractflow:rate_limit"
	}

	clampInt := func(key string, val *int, lo, hi int) {
		switch {
		case *val < lo:
			log.WithFields(logrus.Fields{"key": key, "value": *val, "min": lo}).Warn("config value too low; clamping")
			*val = lo
		case hi > 0 && *val > hi:
			log.WithFields(logrus.Fields{"key": key, "value": *val, "max": hi}).Warn("config value too high; clamping")
			*val = hi
		}
	}
	clampInt("RATE_LIMIT_PER_MINUTE", &c.RateLimitPerMinute, 1, 10000)
	clampInt("OUTBOX_BATCH_SIZE", &c.OutboxBatchSize, 1, 500)
	clampInt("OUTBOX_MAX_ATTEMPTS", &c.OutboxMaxAttempts, 1, 100)
	clampInt("PAYMENT_MAX_ATTEMPTS", &c.PaymentMaxAttempts, 1, 10)
	clampInt("PAYMENT_INITIAL_BACKOFF_MS", &c.PaymentInitialBackoffMS, 10, 10000)
	clampInt("PAYMENT_TIMEOUT_SECONDS", &c.PaymentTimeoutSeconds, 1, 30)
	clampInt("DISPUTE_WINDOW_HOURS", &c.DisputeWindowHours, 1, 24*90)

	if c.PlatformFeeBps < 0 {
		log.WithField("fee_bps", c.PlatformFeeBps).Warn("negative platform fee configured; coercing to zero")
		c.PlatformFeeBps = 0
	}
	if c.PlatformFeeBps > 10000 {
		log.WithField("fee_bps", c.PlatformFeeBps).Warn("platform fee above 100%; capping")
		c.PlatformFeeBps = 10000
	}
	if c.OutboxSchedule = strings.TrimSpace(c.OutboxSchedule); c.OutboxSchedule == "" {
		c.OutboxSchedule = "@every 5s"
	}
	if c.ReconcileSchedule = strings.TrimSpace(c.ReconcileSchedule); c.ReconcileSchedule == "" {
		c.ReconcileSchedule = "@every 10m"
	}
}

func (c Config) Production() bool { return c.Environment == "production" }

func (c Config) DisputeWindow() time.Duration {
	return time.Duration(c.DisputeWindowHours) * time.Hour
}

func (c Config) PaymentInitialBackoff() time.Duration {
	return time.Duration(c.PaymentInitialBackoffMS) * time.Millisecond
}

func (c Config) PaymentTimeout() time.Duration {
	return time.Duration(c.PaymentTimeoutSeconds) * time.Second
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if c.Production() && c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL is required in production")
	}
	if c.Production() && c.PaymentProcessorURL == "" {
		return errors.New("config: PAYMENT_PROCESSOR_URL is required in production")
	}
	return nil
}
