// Package app wires configuration into the store, the mail sender and the queue engine.
// Both binaries start from here.
package app

import (
	"context"
	"fmt"

	"bulkmail/internal/cache"
	"bulkmail/internal/config"
	"bulkmail/internal/mail"
	"bulkmail/internal/queue"
	"bulkmail/internal/store"
	"bulkmail/internal/store/postgres"
	"bulkmail/internal/store/sqlite"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Store is everything the binaries need from a backend.
type Store interface {
	store.QueueStore
	store.DeliveryLog
	store.OwnerStore
	Ping(ctx context.Context) error
	Close() error
}

// OpenStore connects to the configured backend. With migrate set, PostgreSQL
// migrations run before returning; SQLite always applies its schema on open.
func OpenStore(ctx context.Context, cfg *config.Config, migrate bool, logger *zap.Logger) (Store, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		st, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.WithLegacyLog(cfg.Delivery.LegacyLog))
		if err != nil {
			return nil, err
		}
		if migrate {
			logger.Info("running database migrations")
			if err := postgres.Migrate(st.DB()); err != nil {
				st.Close()
				return nil, fmt.Errorf("migration failed: %w", err)
			}
		}
		return st, nil

	case "sqlite":
		return sqlite.Open(cfg.DatabaseURL, sqlite.WithLegacyLog(cfg.Delivery.LegacyLog))

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}

// EngineConfig maps the queue section of the configuration onto the engine.
func EngineConfig(cfg *config.Config) queue.Config {
	qc := queue.DefaultConfig()
	qc.LockTTL = cfg.Queue.LockTTL
	qc.Policy.MaxRetries = cfg.Queue.MaxRetries
	qc.Policy.Base = cfg.Queue.BackoffBase
	qc.Policy.Multiplier = cfg.Queue.BackoffMultiplier
	qc.BatchSize = cfg.Queue.BatchSize
	qc.BatchHardMax = cfg.Queue.BatchHardMax
	qc.BatchDelay = cfg.Queue.BatchDelay
	return qc
}

// NewSender builds the SMTP sender. Deliveries are audited into st.
func NewSender(cfg *config.Config, st store.DeliveryLog, logger *zap.Logger) (*mail.Sender, error) {
	var resolver mail.AttachmentResolver
	if cfg.Attachments.Root != "" {
		resolver = mail.FSResolver{Root: cfg.Attachments.Root}
	}

	dialer := mail.NewDialer(mail.SMTPConfig{
		Host:               cfg.SMTP.Host,
		Port:               cfg.SMTP.Port,
		Username:           cfg.SMTP.Username,
		Password:           cfg.SMTP.Password,
		InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
	})

	return mail.NewSender(mail.Config{
		FromAddress:                  cfg.SMTP.FromAddress,
		FromName:                     cfg.SMTP.FromName,
		MissingAttachmentIsTransient: cfg.Attachments.MissingIsTransient,
	}, dialer, resolver, mail.TemplateRenderer{}, st, logger)
}

// NewEngine builds the queue engine over st. The returned cleanup closes the
// stats cache connection, if one was opened.
func NewEngine(ctx context.Context, cfg *config.Config, st Store, logger *zap.Logger) (*queue.Engine, func(), error) {
	sender, err := NewSender(cfg, st, logger.Named("mail"))
	if err != nil {
		return nil, nil, err
	}

	opts := []queue.Option{
		queue.WithLogger(logger.Named("queue")),
		queue.WithMeter(otel.Meter("mailq")),
	}

	cleanup := func() {}
	if cfg.Redis.Addr != "" {
		rdb := cache.NewClient(cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		statsCache := cache.NewStatsCache(rdb, cfg.Cache.StatsTTL)
		if err := statsCache.Ping(ctx); err != nil {
			// Cache errors fall back to the store on every read.
			logger.Warn("stats cache unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		opts = append(opts, queue.WithStatsCache(statsCache))
		cleanup = func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("failed to close redis client", zap.Error(err))
			}
		}
	}

	sessions := func() queue.Session { return sender.NewSession() }
	engine, err := queue.New(st, sessions, EngineConfig(cfg), opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return engine, cleanup, nil
}
