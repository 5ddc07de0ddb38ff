package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/yesnolabs/marketd/internal/blob/s3"
	"github.com/yesnolabs/marketd/internal/cache/redis"
	"github.com/yesnolabs/marketd/internal/config"
	"github.com/yesnolabs/marketd/internal/domain"
	"github.com/yesnolabs/marketd/internal/engine"
	"github.com/yesnolabs/marketd/internal/notify"
	"github.com/yesnolabs/marketd/internal/service"
	"github.com/yesnolabs/marketd/internal/settle"
	"github.com/yesnolabs/marketd/internal/store/postgres"
)

// healthCacheTTL bounds how stale a served health score can be.
const healthCacheTTL = 30 * time.Second

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Store domain.Store

	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	HealthCache domain.HealthCache

	Notifier *notify.Notifier
	Archiver *s3blob.Archiver

	Matcher      *engine.Matcher
	SettleEngine *settle.Engine
	Scanner      *settle.Scanner

	Markets *service.MarketService
	Trades  *service.TradeService
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	deps.Store = postgres.NewStore(pgClient)

	// --- Redis ---
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

	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.HealthCache = redis.NewHealthCache(redisClient, healthCacheTTL)

	// --- S3 blob storage (settlement ledger archival, optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client))
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

	// --- Engine and settlement ---
	deps.Matcher = engine.NewMatcher(deps.Store, deps.Notifier, engine.MatcherConfig{
		MaxRestingOrders: cfg.Engine.MaxRestingOrders,
		Retries:          cfg.Engine.MatchRetries,
	}, logger)

	var archiver settle.Archiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}
	deps.SettleEngine = settle.NewEngine(
		deps.Store,
		deps.LockManager,
		deps.SignalBus,
		deps.Notifier,
		archiver,
		settle.Config{
			TieThreshold:      cfg.Settlement.TieThreshold,
			OverdueAfter:      cfg.Settlement.OverdueAfter.Duration,
			RoundingTolerance: cfg.Settlement.RoundingTolerance,
			LockTTL:           cfg.Settlement.LockTTL.Duration,
		},
		logger,
	)
	deps.Scanner = settle.NewScanner(deps.SettleEngine, deps.Store, deps.Notifier, settle.ScannerConfig{
		GraceWindow:  cfg.Settlement.GraceWindow.Duration,
		ScanInterval: cfg.Settlement.ScanInterval.Duration,
	}, logger)

	// --- Services ---
	deps.Markets = service.NewMarketService(deps.Store, deps.HealthCache, logger)
	deps.Trades = service.NewTradeService(deps.Store, deps.Matcher, deps.RateLimiter, deps.SignalBus, service.TradeConfig{
		FeeBps:          cfg.Engine.FeeBps,
		OrderRateLimit:  cfg.Engine.OrderRateLimit,
		OrderRateWindow: cfg.Engine.OrderRateWindow.Duration,
		MatchRetries:    cfg.Engine.MatchRetries,
	}, logger)

	return deps, cleanup, nil
}
