// Package scheduler drives rounds through their lifecycle on cron ticks.
//
// Each tick is self-contained and safe to run again: create starts a round
// for every configured mode without one, lock closes rounds past their end
// time, resolve settles locked rounds once the stabilization buffer has
// passed, and archive moves old settled rounds to object storage.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/metrics"
	"github.com/alanyoungcy/predictarena/internal/numeric"
	"github.com/alanyoungcy/predictarena/internal/round"
	"github.com/alanyoungcy/predictarena/internal/settlement"
)

// Job names, used for lock keys and metrics.
const (
	JobCreate  = "create"
	JobLock    = "lock"
	JobResolve = "resolve"
	JobArchive = "archive"
)

// Rounds is the part of the round manager the scheduler drives.
type Rounds interface {
	GetActiveRounds(ctx context.Context) ([]domain.Round, error)
	StartRound(ctx context.Context, p round.StartParams) (domain.Round, error)
	LockRound(ctx context.Context, id string) (round.LockResult, error)
	DueForLock(ctx context.Context, now time.Time) ([]domain.Round, error)
	DueForResolve(ctx context.Context, cutoff time.Time) ([]domain.Round, error)
}

// Resolver settles rounds.
type Resolver interface {
	ResolveRound(ctx context.Context, roundID string, finalPrice numeric.Decimal) (settlement.Resolution, error)
}

// Config holds job timing.
type Config struct {
	Modes               []domain.Mode
	RoundDuration       time.Duration
	CreateSpec          string
	LockSpec            string
	ResolveSpec         string
	ArchiveSpec         string
	StabilizationBuffer time.Duration
	ArchiveRetention    time.Duration
	TickTimeout         time.Duration
	LockTTL             time.Duration
}

// DefaultConfig runs create, lock and resolve every five seconds and archive
// hourly.
func DefaultConfig() Config {
	return Config{
		Modes:               []domain.Mode{domain.ModeBinary, domain.ModeRange},
		RoundDuration:       5 * time.Minute,
		CreateSpec:          "*/5 * * * * *",
		LockSpec:            "*/5 * * * * *",
		ResolveSpec:         "*/5 * * * * *",
		ArchiveSpec:         "0 0 * * * *",
		StabilizationBuffer: 15 * time.Second,
		ArchiveRetention:    7 * 24 * time.Hour,
		TickTimeout:         30 * time.Second,
		LockTTL:             30 * time.Second,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLockManager makes every tick take a distributed lock first, so only
// one replica runs a given job at a time.
func WithLockManager(lm domain.LockManager) Option {
	return func(s *Scheduler) { s.locks = lm }
}

// WithArchiver enables the archive job.
func WithArchiver(a domain.Archiver) Option {
	return func(s *Scheduler) { s.archiver = a }
}

// WithMetrics records job results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler owns the periodic jobs.
type Scheduler struct {
	cfg      Config
	rounds   Rounds
	resolver Resolver
	price    domain.PriceReference
	archiver domain.Archiver
	locks    domain.LockManager
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Scheduler. Zero Config fields fall back to DefaultConfig.
func New(cfg Config, rounds Rounds, resolver Resolver, price domain.PriceReference, logger *slog.Logger, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Modes == nil {
		cfg.Modes = def.Modes
	}
	if cfg.RoundDuration <= 0 {
		cfg.RoundDuration = def.RoundDuration
	}
	if cfg.CreateSpec == "" {
		cfg.CreateSpec = def.CreateSpec
	}
	if cfg.LockSpec == "" {
		cfg.LockSpec = def.LockSpec
	}
	if cfg.ResolveSpec == "" {
		cfg.ResolveSpec = def.ResolveSpec
	}
	if cfg.ArchiveSpec == "" {
		cfg.ArchiveSpec = def.ArchiveSpec
	}
	if cfg.StabilizationBuffer <= 0 {
		cfg.StabilizationBuffer = def.StabilizationBuffer
	}
	if cfg.ArchiveRetention <= 0 {
		cfg.ArchiveRetention = def.ArchiveRetention
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = def.TickTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}

	s := &Scheduler{
		cfg:      cfg,
		rounds:   rounds,
		resolver: resolver,
		price:    price,
		logger:   logger.With(slog.String("component", "scheduler")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle controls a started scheduler.
type Handle struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// Stop prevents new ticks and waits for running ones, or until ctx is done.
func (h *Handle) Stop(ctx context.Context) error {
	done := h.cron.Stop()
	select {
	case <-done.Done():
		h.logger.Info("scheduler: stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

// Start registers the jobs and starts the cron loop. Ticks run with ctx as
// their parent context.
func (s *Scheduler) Start(ctx context.Context) (*Handle, error) {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug))
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	jobs := []struct {
		name string
		spec string
		tick func(context.Context) error
	}{
		{JobCreate, s.cfg.CreateSpec, s.CreateTick},
		{JobLock, s.cfg.LockSpec, s.LockTick},
		{JobResolve, s.cfg.ResolveSpec, s.ResolveTick},
	}
	if s.archiver != nil {
		jobs = append(jobs, struct {
			name string
			spec string
			tick func(context.Context) error
		}{JobArchive, s.cfg.ArchiveSpec, s.ArchiveTick})
	}

	for _, j := range jobs {
		name, tick := j.name, j.tick
		if _, err := c.AddFunc(j.spec, func() { s.Run(ctx, name, tick) }); err != nil {
			return nil, fmt.Errorf("scheduler: add %s job %q: %w", name, j.spec, err)
		}
	}

	c.Start()
	s.logger.InfoContext(ctx, "scheduler: started",
		slog.Int("jobs", len(jobs)),
		slog.Duration("buffer", s.cfg.StabilizationBuffer),
	)
	return &Handle{cron: c, logger: s.logger}, nil
}

// Run executes one tick under the job lock and the tick timeout. Errors are
// logged and counted, never returned.
func (s *Scheduler) Run(ctx context.Context, name string, tick func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "arena:tick:"+name, s.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			s.logger.DebugContext(ctx, "scheduler: tick held elsewhere", slog.String("job", name))
			return
		}
		if err != nil {
			s.metrics.RecordJob(name, err)
			s.logger.WarnContext(ctx, "scheduler: acquire tick lock failed",
				slog.String("job", name),
				slog.String("error", err.Error()),
			)
			return
		}
		defer unlock()
	}

	err := tick(ctx)
	s.metrics.RecordJob(name, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: tick failed",
			slog.String("job", name),
			slog.String("error", err.Error()),
		)
	}
}

// CreateTick starts a round for every configured mode that has no ACTIVE
// round, as long as a usable price is available.
func (s *Scheduler) CreateTick(ctx context.Context) error {
	active, err := s.rounds.GetActiveRounds(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: create: %w", err)
	}
	running := make(map[domain.Mode]bool, len(active))
	for _, r := range active {
		running[r.Mode] = true
	}

	var errs []error
	for _, mode := range s.cfg.Modes {
		if running[mode] {
			continue
		}
		price, err := domain.UsablePrice(s.price)
		if err != nil {
			s.logger.WarnContext(ctx, "scheduler: no usable price, skipping create",
				slog.String("mode", string(mode)),
				slog.Time("price_updated_at", s.price.UpdatedAt()),
			)
			return nil
		}

		_, err = s.rounds.StartRound(ctx, round.StartParams{Mode: mode, StartPrice: price, Duration: s.cfg.RoundDuration})
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrActiveRoundExists):
			s.logger.InfoContext(ctx, "scheduler: round already active", slog.String("mode", string(mode)))
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LockTick locks every ACTIVE round whose end time has passed.
func (s *Scheduler) LockTick(ctx context.Context) error {
	due, err := s.rounds.DueForLock(ctx, s.now().UTC())
	if err != nil {
		return fmt.Errorf("scheduler: lock: %w", err)
	}

	var errs []error
	for _, r := range due {
		res, err := s.rounds.LockRound(ctx, r.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "scheduler: lock round failed",
				slog.String("round_id", r.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		if res != round.Locked {
			s.logger.DebugContext(ctx, "scheduler: lock no-op", slog.String("round_id", r.ID), slog.String("result", string(res)))
		}
	}
	return errors.Join(errs...)
}

// ResolveTick settles every open round whose end time is at least the
// stabilization buffer in the past. The whole batch waits while the price
// is missing, non-positive or stale.
func (s *Scheduler) ResolveTick(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.cfg.StabilizationBuffer)
	due, err := s.rounds.DueForResolve(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("scheduler: resolve: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	price, err := domain.UsablePrice(s.price)
	if err != nil {
		s.logger.WarnContext(ctx, "scheduler: no usable price, deferring resolution",
			slog.Int("due", len(due)),
			slog.Time("price_updated_at", s.price.UpdatedAt()),
		)
		return nil
	}

	var errs []error
	for _, r := range due {
		res, err := s.resolver.ResolveRound(ctx, r.ID, price)
		switch {
		case err == nil:
			s.logger.InfoContext(ctx, "scheduler: round resolved",
				slog.String("round_id", r.ID),
				slog.String("outcome", string(res.Round.Outcome)),
				slog.String("end_price", price.String()),
			)
		case errors.Is(err, domain.ErrRoundAlreadyResolved):
			s.logger.InfoContext(ctx, "scheduler: round already resolved", slog.String("round_id", r.ID))
		default:
			s.logger.ErrorContext(ctx, "scheduler: resolve round failed",
				slog.String("round_id", r.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ArchiveTick exports and purges rounds settled before the retention window.
func (s *Scheduler) ArchiveTick(ctx context.Context) error {
	if s.archiver == nil {
		return nil
	}
	before := s.now().UTC().Add(-s.cfg.ArchiveRetention)
	n, err := s.archiver.ArchiveRounds(ctx, before)
	if err != nil {
		return fmt.Errorf("scheduler: archive: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "scheduler: archived rounds", slog.Int64("count", n), slog.Time("before", before))
	}
	return nil
}
