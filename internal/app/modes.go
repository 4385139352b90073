package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/predictarena/internal/account"
	"github.com/alanyoungcy/predictarena/internal/config"
	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/price"
	"github.com/alanyoungcy/predictarena/internal/retry"
	"github.com/alanyoungcy/predictarena/internal/round"
	"github.com/alanyoungcy/predictarena/internal/scheduler"
	"github.com/alanyoungcy/predictarena/internal/server"
	"github.com/alanyoungcy/predictarena/internal/server/handler"
	"github.com/alanyoungcy/predictarena/internal/server/ws"
	"github.com/alanyoungcy/predictarena/internal/settlement"
	"github.com/alanyoungcy/predictarena/internal/stake"
)

// services holds the arena components built on top of Dependencies.
type services struct {
	price    *price.Reference
	rounds   *round.Manager
	stakes   *stake.Engine
	settle   *settlement.Engine
	accounts *account.Service
}

func (a *App) buildServices(deps *Dependencies) (*services, error) {
	src, err := a.priceSource(deps)
	if err != nil {
		return nil, err
	}
	refOpts := []price.Option{price.WithMetrics(deps.Metrics)}
	// Only the instance polling upstream writes the shared cache.
	if a.cfg.Price.Source == "http" && deps.PriceCache != nil {
		refOpts = append(refOpts, price.WithCache(deps.PriceCache))
	}
	ref := price.NewReference(src, price.Config{
		Symbol:       a.cfg.Price.Symbol,
		PollInterval: a.cfg.Price.PollInterval.Duration,
		MaxAge:       a.cfg.Price.MaxAge.Duration,
	}, a.logger, refOpts...)

	store := deps.Store
	return &services{
		price: ref,
		rounds: round.NewManager(store.Rounds(), store.Stakes(), round.Config{
			RangeBands:    a.cfg.Scheduler.RangeBands,
			RangeWidthBps: a.cfg.Scheduler.RangeWidthBps,
		}, a.logger, round.WithSignalBus(deps.SignalBus), round.WithMetrics(deps.Metrics)),
		stakes: stake.NewEngine(store, store.Rounds(), deps.Gateway, a.logger,
			stake.WithSignalBus(deps.SignalBus), stake.WithMetrics(deps.Metrics)),
		settle: settlement.NewEngine(store, deps.Gateway, a.logger,
			settlement.WithSignalBus(deps.SignalBus), settlement.WithMetrics(deps.Metrics)),
		accounts: account.NewService(store.Participants(), store.Stakes(), a.logger),
	}, nil
}

func (a *App) priceSource(deps *Dependencies) (price.Source, error) {
	switch a.cfg.Price.Source {
	case "cache":
		if deps.PriceCache == nil {
			return nil, fmt.Errorf("app: price source cache needs redis")
		}
		return price.NewCacheSource(deps.PriceCache, a.cfg.Price.Symbol), nil
	default:
		policy := retry.DefaultPolicy
		if a.cfg.Price.Retries > 0 {
			policy.Attempts = a.cfg.Price.Retries
		}
		return price.NewHTTPSource(price.HTTPConfig{
			Endpoint:          a.cfg.Price.Endpoint,
			Symbol:            a.cfg.Price.Symbol,
			Timeout:           a.cfg.Price.RequestTimeout.Duration,
			RequestsPerSecond: a.cfg.Price.RequestsPerSecond,
			Retry:             policy,
		}), nil
	}
}

// FullMode runs the API, the websocket hub and the scheduler in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.run(ctx, deps, true, a.cfg.Scheduler.Enabled)
}

// ServerMode runs the API and websocket hub only. Rounds are driven by a
// separate scheduler instance sharing the same database and Redis.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	return a.run(ctx, deps, true, false)
}

// SchedulerMode runs the round scheduler with a metrics and health listener.
func (a *App) SchedulerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scheduler mode")
	return a.run(ctx, deps, false, true)
}

func (a *App) run(ctx context.Context, deps *Dependencies, withAPI, withScheduler bool) error {
	svc, err := a.buildServices(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if err := svc.price.Start(ctx); err != nil {
		return fmt.Errorf("app: start price reference: %w", err)
	}
	a.closers = append(a.closers, svc.price.Stop)

	if withScheduler {
		if err := a.startScheduler(ctx, g, deps, svc); err != nil {
			return err
		}
	}

	if withAPI {
		a.startAPIServer(ctx, g, deps, svc)
	} else {
		a.startOpsServer(ctx, g, deps)
	}

	return g.Wait()
}

func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) error {
	cfg, err := schedulerConfig(a.cfg.Scheduler)
	if err != nil {
		return err
	}
	opts := []scheduler.Option{scheduler.WithMetrics(deps.Metrics)}
	if deps.LockManager != nil {
		opts = append(opts, scheduler.WithLockManager(deps.LockManager))
	}
	if deps.Archiver != nil {
		opts = append(opts, scheduler.WithArchiver(deps.Archiver))
	}

	sched := scheduler.New(cfg, svc.rounds, svc.settle, svc.price, a.logger, opts...)
	handle, err := sched.Start(ctx)
	if err != nil {
		return fmt.Errorf("app: start scheduler: %w", err)
	}

	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return handle.Stop(stopCtx)
	})
	return nil
}

func schedulerConfig(c config.SchedulerConfig) (scheduler.Config, error) {
	modes := make([]domain.Mode, 0, len(c.Modes))
	for _, name := range c.Modes {
		m, err := domain.ParseMode(name)
		if err != nil {
			return scheduler.Config{}, fmt.Errorf("app: scheduler mode %q: %w", name, err)
		}
		modes = append(modes, m)
	}
	return scheduler.Config{
		Modes:               modes,
		RoundDuration:       c.RoundDuration.Duration,
		CreateSpec:          c.CreateSpec,
		LockSpec:            c.LockSpec,
		ResolveSpec:         c.ResolveSpec,
		ArchiveSpec:         c.ArchiveSpec,
		StabilizationBuffer: c.StabilizationBuffer.Duration,
		ArchiveRetention:    c.ArchiveRetention.Duration,
		TickTimeout:         c.TickTimeout.Duration,
		LockTTL:             c.LockTTL.Duration,
	}, nil
}

// startAPIServer adds the HTTP server and websocket hub to g. Both stop
// when ctx is cancelled.
func (a *App) startAPIServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	hub := ws.NewHub(deps.SignalBus, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Addr:            a.cfg.Server.Addr,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		AdminAPIKey:     a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
		ReadTimeout:     a.cfg.Server.ReadTimeout.Duration,
		WriteTimeout:    a.cfg.Server.WriteTimeout.Duration,
	}, server.Handlers{
		Health:       handler.NewHealthHandler(deps.Pingers, a.logger),
		Price:        handler.NewPriceHandler(svc.price, a.cfg.Price.Symbol),
		Rounds:       handler.NewRoundHandler(svc.rounds, svc.settle, svc.price, a.cfg.RoundLength(), a.logger),
		Stakes:       handler.NewStakeHandler(svc.stakes, a.logger),
		Participants: handler.NewParticipantHandler(svc.accounts, a.logger),
		Audit:        handler.NewAuditHandler(deps.Store.Audit(), a.logger),
		Metrics:      deps.Metrics.Handler(),
	}, hub, deps.RateLimiter, a.logger)

	if a.cfg.Server.APIKey == "" {
		a.logger.WarnContext(ctx, "server.api_key is empty; admin routes are disabled")
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startOpsServer serves health and metrics for instances without the API.
func (a *App) startOpsServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handler.NewHealthHandler(deps.Pingers, a.logger).HealthCheck)
	mux.Handle("GET /metrics", deps.Metrics.Handler())

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "ops server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
