package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/windowarb/internal/blob/s3"
	"github.com/alanyoungcy/windowarb/internal/cache/redis"
	"github.com/alanyoungcy/windowarb/internal/config"
	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/notify"
	"github.com/alanyoungcy/windowarb/internal/server/handler"
	"github.com/alanyoungcy/windowarb/internal/store/memory"
	"github.com/alanyoungcy/windowarb/internal/store/postgres"
)

// Dependencies bundles the storage, cache, archive and notification backends
// the engine runs on. Backends that are not configured fall back to their
// in-memory form or stay nil.
type Dependencies struct {
	// Stores
	Orders        domain.OrderStore
	Positions     domain.PositionStore
	Bankroll      domain.BankrollStore
	Ledger        domain.LedgerStore
	Opportunities domain.OpportunityStore
	Audit         domain.AuditStore

	// Caches; nil without Redis except Bus, which falls back to memory.
	Quotes      domain.QuoteCache
	Locks       domain.LockManager
	Limiter     domain.RateLimiter
	Bus         domain.SignalBus
	MarketCache *redis.MarketCache

	// Archiver is nil without S3.
	Archiver domain.Archiver

	Notifier *notify.Notifier

	// HealthChecks probe each configured backend.
	HealthChecks map[string]handler.HealthCheck
}

// Wire constructs the backends named by cfg and returns them together with a
// cleanup function that should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- PostgreSQL, or process memory for dry runs ---
	if cfg.Postgres.DSN != "" {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Orders = postgres.NewOrderStore(pool)
		deps.Positions = postgres.NewPositionStore(pool)
		deps.Bankroll = postgres.NewBankrollStore(pool)
		deps.Ledger = postgres.NewLedgerStore(pool)
		deps.Opportunities = postgres.NewOpportunityStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	} else {
		logger.WarnContext(ctx, "postgres not configured; engine state is kept in memory")
		deps.Orders = memory.NewOrderStore()
		deps.Positions = memory.NewPositionStore()
		deps.Bankroll = memory.NewBankrollStore()
		deps.Ledger = memory.NewLedgerStore()
		deps.Opportunities = memory.NewOpportunityStore()
		deps.Audit = memory.NewAuditStore(nil)
	}

	// --- Redis ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Quotes = redis.NewQuoteCache(redisClient, cfg.Redis.QuoteTTL.Duration)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient, cfg.Polymarket.RequestsPerSec, 0)
		deps.Bus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.MarketCache = redis.NewMarketCache(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	} else {
		deps.Bus = memory.NewBus(int(cfg.Redis.StreamMaxLen))
	}

	// --- S3 archive ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewReader(s3Client), s3blob.NewWriter(s3Client), nil)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	closers = append(closers, deps.Notifier.Wait)

	return deps, cleanup, nil
}
