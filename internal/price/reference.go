// Package price keeps the last known price of the market asset.
//
// A Reference polls a Source on a fixed interval and exposes the most recent
// observation to the round manager and the scheduler. Consumers only read.
package price

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/metrics"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// Source fetches the current price and the time it was observed.
type Source interface {
	Fetch(ctx context.Context) (numeric.Decimal, time.Time, error)
}

// Config controls polling and staleness.
type Config struct {
	Symbol       string
	PollInterval time.Duration
	MaxAge       time.Duration
}

// Option configures a Reference.
type Option func(*Reference)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reference) { r.now = now }
}

// WithCache publishes every observation to a shared price cache.
func WithCache(cache domain.PriceCache) Option {
	return func(r *Reference) { r.cache = cache }
}

// WithMetrics records price age and fetch errors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reference) { r.metrics = m }
}

// Reference implements domain.PriceReference.
type Reference struct {
	src     Source
	cfg     Config
	cache   domain.PriceCache
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	price     numeric.Decimal
	ok        bool
	updatedAt time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ domain.PriceReference = (*Reference)(nil)

// NewReference creates a Reference that has not observed any price yet.
func NewReference(src Source, cfg Config, logger *slog.Logger, opts ...Option) *Reference {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Second
	}
	r := &Reference{
		src:    src,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "price")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start fetches once, then keeps polling in the background until Stop or
// ctx is done. A failed first fetch is logged, not returned.
func (r *Reference) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return errors.New("price: reference already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	if err := r.Refresh(ctx); err != nil {
		r.logger.WarnContext(ctx, "price: initial fetch failed", slog.String("error", err.Error()))
	}

	go r.loop(ctx, r.done)
	r.logger.InfoContext(ctx, "price: reference started",
		slog.String("symbol", r.cfg.Symbol),
		slog.Duration("interval", r.cfg.PollInterval),
	)
	return nil
}

// Stop ends polling and waits for the loop to exit. The last price stays
// readable.
func (r *Reference) Stop() {
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reference) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "price: fetch failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Refresh fetches from the source once and records the result.
func (r *Reference) Refresh(ctx context.Context) error {
	p, at, err := r.src.Fetch(ctx)
	if err != nil {
		r.metrics.RecordPriceFetchError()
		r.metrics.SetPriceAge(r.age())
		return fmt.Errorf("price: fetch %s: %w", r.cfg.Symbol, err)
	}
	if !p.IsPositive() {
		r.metrics.RecordPriceFetchError()
		return fmt.Errorf("price: fetch %s: non-positive price %s", r.cfg.Symbol, p)
	}
	r.Observe(p, at)

	if r.cache != nil {
		if err := r.cache.SetPrice(ctx, r.cfg.Symbol, p, at); err != nil {
			r.logger.WarnContext(ctx, "price: cache write failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Observe records a price seen at the given time. Observations older than
// the current one are ignored.
func (r *Reference) Observe(p numeric.Decimal, at time.Time) {
	if at.IsZero() {
		at = r.now()
	}
	r.mu.Lock()
	if r.ok && at.Before(r.updatedAt) {
		r.mu.Unlock()
		return
	}
	r.price, r.ok, r.updatedAt = p, true, at
	r.mu.Unlock()

	r.metrics.SetPriceAge(r.age())
}

// Price returns the last observed price. ok is false before the first
// observation.
func (r *Reference) Price() (numeric.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.price, r.ok
}

// IsStale reports whether no price was observed within MaxAge.
func (r *Reference) IsStale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.ok || r.now().Sub(r.updatedAt) > r.cfg.MaxAge
}

// UpdatedAt returns when the last price was observed.
func (r *Reference) UpdatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updatedAt
}

// Symbol returns the tracked asset symbol.
func (r *Reference) Symbol() string {
	return r.cfg.Symbol
}

func (r *Reference) age() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ok {
		return 0
	}
	return r.now().Sub(r.updatedAt)
}
