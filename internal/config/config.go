// Package config loads settings from defaults, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database backend: "postgres" or "sqlite"
	DatabaseDriver string

	// Database connection string, or file path for sqlite
	DatabaseURL string

	// HTTP server port for the controller
	HTTPPort int

	// Secret guarding the admin endpoints
	SystemSecret string

	LogLevel string

	// OTLP gRPC collector address
	OTELEndpoint string

	Queue       QueueConfig
	SMTP        SMTPConfig
	Attachments AttachmentsConfig
	Delivery    DeliveryConfig
	Redis       RedisConfig
	Cache       CacheConfig
	RateLimit   RateLimitConfig
	Worker      WorkerConfig
}

type QueueConfig struct {
	LockTTL           time.Duration
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BatchSize         int
	BatchHardMax      int
	BatchDelay        time.Duration
}

type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	FromAddress        string
	FromName           string
	InsecureSkipVerify bool
}

type AttachmentsConfig struct {
	// Root is the only directory attachments may be read from. Empty disables attachments.
	Root               string
	MissingIsTransient bool
}

type DeliveryConfig struct {
	// LegacyLog also writes every delivery into the email_log table.
	LegacyLog bool
}

type RedisConfig struct {
	// Addr enables the stats cache when set.
	Addr     string
	Password string
	DB       int
}

type CacheConfig struct {
	StatsTTL time.Duration
}

type RateLimitConfig struct {
	// Requests per second per owner
	RPS   float64
	Burst int
}

type WorkerConfig struct {
	Owners []uuid.UUID

	// Owners processed in parallel
	Concurrency  int
	PollInterval time.Duration
	MaxBackoff   time.Duration
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"database_driver":                  "DATABASE_DRIVER",
	"database_url":                     "DATABASE_URL",
	"http_port":                        "PORT",
	"system_secret":                    "SYSTEM_SECRET",
	"log_level":                        "LOG_LEVEL",
	"otel_endpoint":                    "OTEL_EXPORTER_OTLP_ENDPOINT",
	"queue.lock_ttl":                   "QUEUE_LOCK_TTL",
	"queue.max_retries":                "QUEUE_MAX_RETRIES",
	"queue.backoff_base":               "QUEUE_BACKOFF_BASE",
	"queue.backoff_multiplier":         "QUEUE_BACKOFF_MULTIPLIER",
	"queue.batch_size":                 "QUEUE_BATCH_SIZE",
	"queue.batch_hard_max":             "QUEUE_BATCH_HARD_MAX",
	"queue.batch_delay":                "QUEUE_BATCH_DELAY",
	"smtp.host":                        "SMTP_HOST",
	"smtp.port":                        "SMTP_PORT",
	"smtp.username":                    "SMTP_USERNAME",
	"smtp.password":                    "SMTP_PASSWORD",
	"smtp.from_address":                "SMTP_FROM_ADDRESS",
	"smtp.from_name":                   "SMTP_FROM_NAME",
	"smtp.insecure_skip_verify":        "SMTP_INSECURE_SKIP_VERIFY",
	"attachments.root":                 "ATTACHMENTS_ROOT",
	"attachments.missing_is_transient": "ATTACHMENTS_MISSING_IS_TRANSIENT",
	"delivery.legacy_log":              "DELIVERY_LEGACY_LOG",
	"redis.addr":                       "REDIS_ADDR",
	"redis.password":                   "REDIS_PASSWORD",
	"redis.db":                         "REDIS_DB",
	"cache.stats_ttl":                  "CACHE_STATS_TTL",
	"ratelimit.rps":                    "RATELIMIT_RPS",
	"ratelimit.burst":                  "RATELIMIT_BURST",
	"worker.owners":                    "WORKER_OWNERS",
	"worker.concurrency":               "WORKER_CONCURRENCY",
	"worker.poll_interval":             "WORKER_POLL_INTERVAL",
	"worker.max_backoff":               "WORKER_MAX_BACKOFF",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_driver", "postgres")
	v.SetDefault("http_port", 6161)
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_endpoint", "localhost:4317")

	v.SetDefault("queue.lock_ttl", 5*time.Minute)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.backoff_base", 2*time.Minute)
	v.SetDefault("queue.backoff_multiplier", 4.0)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.batch_hard_max", 50)
	v.SetDefault("queue.batch_delay", 300*time.Millisecond)

	v.SetDefault("smtp.host", "localhost")
	v.SetDefault("smtp.port", 587)

	v.SetDefault("cache.stats_ttl", 2*time.Second)

	v.SetDefault("ratelimit.rps", 10.0)
	v.SetDefault("ratelimit.burst", 20)

	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.max_backoff", 30*time.Second)
}

// Load reads configuration. If path is empty, mailq.yaml in the working
// directory is used when present. Environment variables override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("mailq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	owners, err := parseOwners(v.GetStringSlice("worker.owners"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseDriver: strings.ToLower(v.GetString("database_driver")),
		DatabaseURL:    v.GetString("database_url"),
		HTTPPort:       v.GetInt("http_port"),
		SystemSecret:   v.GetString("system_secret"),
		LogLevel:       v.GetString("log_level"),
		OTELEndpoint:   v.GetString("otel_endpoint"),
		Queue: QueueConfig{
			LockTTL:           v.GetDuration("queue.lock_ttl"),
			MaxRetries:        v.GetInt("queue.max_retries"),
			BackoffBase:       v.GetDuration("queue.backoff_base"),
			BackoffMultiplier: v.GetFloat64("queue.backoff_multiplier"),
			BatchSize:         v.GetInt("queue.batch_size"),
			BatchHardMax:      v.GetInt("queue.batch_hard_max"),
			BatchDelay:        v.GetDuration("queue.batch_delay"),
		},
		SMTP: SMTPConfig{
			Host:               v.GetString("smtp.host"),
			Port:               v.GetInt("smtp.port"),
			Username:           v.GetString("smtp.username"),
			Password:           v.GetString("smtp.password"),
			FromAddress:        v.GetString("smtp.from_address"),
			FromName:           v.GetString("smtp.from_name"),
			InsecureSkipVerify: v.GetBool("smtp.insecure_skip_verify"),
		},
		Attachments: AttachmentsConfig{
			Root:               v.GetString("attachments.root"),
			MissingIsTransient: v.GetBool("attachments.missing_is_transient"),
		},
		Delivery: DeliveryConfig{
			LegacyLog: v.GetBool("delivery.legacy_log"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Cache: CacheConfig{
			StatsTTL: v.GetDuration("cache.stats_ttl"),
		},
		RateLimit: RateLimitConfig{
			RPS:   v.GetFloat64("ratelimit.rps"),
			Burst: v.GetInt("ratelimit.burst"),
		},
		Worker: WorkerConfig{
			Owners:       owners,
			Concurrency:  v.GetInt("worker.concurrency"),
			PollInterval: v.GetDuration("worker.poll_interval"),
			MaxBackoff:   v.GetDuration("worker.max_backoff"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseOwners accepts a YAML list or a comma separated env value.
func parseOwners(raw []string) ([]uuid.UUID, error) {
	var owners []uuid.UUID
	for _, item := range raw {
		for _, s := range strings.FieldsFunc(item, func(r rune) bool { return r == ',' || r == ' ' }) {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("invalid worker owner %q: %w", s, err)
			}
			owners = append(owners, id)
		}
	}
	return owners, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url is required (env: DATABASE_URL)")
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid database_driver %q: must be postgres or sqlite", c.DatabaseDriver)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.HTTPPort)
	}

	q := c.Queue
	if q.LockTTL <= 0 {
		return errors.New("queue.lock_ttl must be positive")
	}
	if q.MaxRetries < 1 {
		return errors.New("queue.max_retries must be at least 1")
	}
	if q.BackoffBase <= 0 {
		return errors.New("queue.backoff_base must be positive")
	}
	if q.BackoffMultiplier < 1 {
		return errors.New("queue.backoff_multiplier must be at least 1")
	}
	if q.BatchSize < 1 {
		return errors.New("queue.batch_size must be positive")
	}
	if q.BatchHardMax < q.BatchSize {
		return fmt.Errorf("queue.batch_hard_max (%d) must not be below queue.batch_size (%d)", q.BatchHardMax, q.BatchSize)
	}
	if q.BatchDelay < 0 {
		return errors.New("queue.batch_delay must not be negative")
	}

	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return errors.New("ratelimit.rps and ratelimit.burst must be positive")
	}
	if c.Worker.PollInterval <= 0 || c.Worker.MaxBackoff < c.Worker.PollInterval {
		return errors.New("worker.max_backoff must be at least worker.poll_interval, which must be positive")
	}
	if c.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be positive")
	}
	return nil
}
