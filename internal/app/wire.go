package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/predictarena/internal/blob/s3"
	"github.com/alanyoungcy/predictarena/internal/cache/memory"
	"github.com/alanyoungcy/predictarena/internal/cache/redis"
	"github.com/alanyoungcy/predictarena/internal/config"
	"github.com/alanyoungcy/predictarena/internal/crypto"
	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/metrics"
	"github.com/alanyoungcy/predictarena/internal/retry"
	"github.com/alanyoungcy/predictarena/internal/server/handler"
	"github.com/alanyoungcy/predictarena/internal/server/middleware"
	"github.com/alanyoungcy/predictarena/internal/settlement"
	"github.com/alanyoungcy/predictarena/internal/settlement/onchain"
	"github.com/alanyoungcy/predictarena/internal/store/postgres"
	"github.com/alanyoungcy/predictarena/internal/store/sqlite"
)

// Dependencies bundles the infrastructure the run modes share. It is built
// by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Store domain.Store

	// Redis-backed when enabled, otherwise in-process. LockManager and
	// PriceCache stay nil without Redis.
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	PriceCache  domain.PriceCache

	// Nil unless S3 is enabled.
	Archiver domain.Archiver

	Gateway domain.SettlementGateway
	Metrics *metrics.Metrics

	// Pingers feeds the health endpoint.
	Pingers map[string]handler.Pinger
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire constructs every dependency from cfg. On error, anything already
// opened is closed before returning.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Pingers: make(map[string]handler.Pinger),
	}

	// --- Store ---
	switch cfg.Storage.Driver {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:         cfg.Postgres.DSN,
			Host:        cfg.Postgres.Host,
			Port:        cfg.Postgres.Port,
			Database:    cfg.Postgres.Database,
			User:        cfg.Postgres.User,
			Password:    cfg.Postgres.Password,
			SSLMode:     cfg.Postgres.SSLMode,
			MaxConns:    cfg.Postgres.PoolMaxConns,
			MinConns:    cfg.Postgres.PoolMinConns,
			MaxConnIdle: cfg.Postgres.MaxConnIdle.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Store = postgres.NewStore(pgClient)
	default:
		store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = store.Close() })
		deps.Store = store
	}
	deps.Pingers["store"] = deps.Store

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.Pingers["redis"] = redisClient
	} else {
		logger.Info("wire: redis disabled, using in-process event bus and rate limiter")
		deps.SignalBus = memory.NewBus(64)
		deps.RateLimiter = middleware.NewLocalLimiter()
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
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
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.Store.Archive(),
			deps.Store.Stakes(),
			deps.Store.Audit(),
			cfg.S3.BatchSize,
			logger,
		)
		deps.Pingers["s3"] = pingFunc(s3Client.Health)
	}

	// --- Settlement gateway ---
	gw, err := buildGateway(ctx, cfg.Settlement, logger)
	if err != nil {
		return fail(err)
	}
	deps.Gateway = gw

	return deps, cleanup, nil
}

// buildGateway returns the configured gateway wrapped in retries.
func buildGateway(ctx context.Context, cfg config.SettlementConfig, logger *slog.Logger) (domain.SettlementGateway, error) {
	policy := retry.DefaultPolicy
	if cfg.Retries > 0 {
		policy.Attempts = cfg.Retries
	}
	if cfg.RetryBase.Duration > 0 {
		policy.Base = cfg.RetryBase.Duration
	}

	switch cfg.Gateway {
	case "evm":
		key, err := crypto.LoadKey(crypto.KeySource{
			RawHex:   cfg.PrivateKey,
			KeyFile:  cfg.KeyFile,
			Password: cfg.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: settlement key: %w", err)
		}
		signer, err := crypto.NewSigner(key, cfg.ChainID)
		if err != nil {
			return nil, fmt.Errorf("wire: settlement signer: %w", err)
		}
		gw, err := onchain.Dial(ctx, cfg.RPCURL, signer, onchain.Config{
			Contract:       cfg.Contract,
			FallbackGas:    cfg.FallbackGas,
			ReceiptTimeout: cfg.ReceiptTimeout.Duration,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("wire: settlement gateway: %w", err)
		}
		logger.Info("wire: evm settlement gateway ready",
			slog.String("contract", cfg.Contract),
			slog.Int64("chain_id", cfg.ChainID),
		)
		return settlement.NewRetryingGateway(gw, policy, logger), nil
	default:
		return settlement.NewNoopGateway(logger), nil
	}
}
