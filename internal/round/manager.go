// Package round owns the round lifecycle: creation, locking and queries.
// Resolution and cancellation live in the settlement package.
package round

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/metrics"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// LockResult reports what LockRound did.
type LockResult string

const (
	Locked          LockResult = "locked"
	AlreadyLocked   LockResult = "already_locked"
	AlreadyResolved LockResult = "already_resolved"
)

// Config holds the RANGE ladder used when a round is started without
// explicit ranges.
type Config struct {
	RangeBands    int
	RangeWidthBps int
}

// StartParams describes a new round.
type StartParams struct {
	Mode       domain.Mode
	StartPrice numeric.Decimal
	Duration   time.Duration
	// Ranges is only valid for RANGE rounds. Empty means use the ladder.
	Ranges []domain.PriceRange
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSignalBus publishes lifecycle events after each commit.
func WithSignalBus(bus domain.SignalBus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithMetrics records round counters.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager creates, locks and reads rounds.
type Manager struct {
	rounds  domain.RoundStore
	stakes  domain.StakeStore
	cfg     Config
	bus     domain.SignalBus
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a Manager.
func NewManager(rounds domain.RoundStore, stakes domain.StakeStore, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.RangeBands <= 0 {
		cfg.RangeBands = 5
	}
	if cfg.RangeWidthBps <= 0 {
		cfg.RangeWidthBps = 20
	}
	m := &Manager{
		rounds: rounds,
		stakes: stakes,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "round")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartRound creates an ACTIVE round ending Duration from now. A second
// ACTIVE round of the same mode fails with domain.ErrActiveRoundExists.
func (m *Manager) StartRound(ctx context.Context, p StartParams) (domain.Round, error) {
	if !p.Mode.Valid() {
		return domain.Round{}, fmt.Errorf("round: start: %w: %q", domain.ErrInvalidMode, p.Mode)
	}
	if !p.StartPrice.IsPositive() {
		return domain.Round{}, fmt.Errorf("round: start %s: %w", p.Mode, domain.ErrOracleUnavailable)
	}
	if p.Duration <= 0 {
		return domain.Round{}, fmt.Errorf("round: start %s: %w", p.Mode, domain.ErrInvalidDuration)
	}

	var ranges []domain.PriceRange
	switch p.Mode {
	case domain.ModeBinary:
		if len(p.Ranges) > 0 {
			return domain.Round{}, fmt.Errorf("round: start %s: %w: ranges only apply to RANGE rounds", p.Mode, domain.ErrInvalidRange)
		}
	case domain.ModeRange:
		ranges = p.Ranges
		if len(ranges) == 0 {
			var err error
			if ranges, err = Ladder(p.StartPrice, m.cfg.RangeBands, m.cfg.RangeWidthBps); err != nil {
				return domain.Round{}, fmt.Errorf("round: start %s: %w", p.Mode, err)
			}
		}
		if err := domain.ValidateRanges(ranges); err != nil {
			return domain.Round{}, fmt.Errorf("round: start %s: %w", p.Mode, err)
		}
	}

	now := m.now().UTC()
	r := domain.Round{
		ID:         uuid.NewString(),
		Mode:       p.Mode,
		Status:     domain.RoundStatusActive,
		StartPrice: p.StartPrice,
		StartTime:  now,
		EndTime:    now.Add(p.Duration),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for i, pr := range ranges {
		r.Ranges = append(r.Ranges, domain.RangePool{Index: i, PriceRange: pr})
	}

	if err := m.rounds.Create(ctx, r); err != nil {
		return domain.Round{}, fmt.Errorf("round: start %s: %w", p.Mode, err)
	}

	m.metrics.RecordRoundStarted(string(r.Mode))
	m.logger.InfoContext(ctx, "round: started",
		slog.String("round_id", r.ID),
		slog.String("mode", string(r.Mode)),
		slog.Any("start_price", r.StartPrice),
		slog.Time("end_time", r.EndTime),
	)
	m.publish(ctx, domain.EventRoundStarted, r)
	return r, nil
}

// LockRound moves an ACTIVE round to LOCKED. Locking a LOCKED or RESOLVED
// round is a no-op reported through the result.
func (m *Manager) LockRound(ctx context.Context, id string) (LockResult, error) {
	changed, err := m.rounds.TransitionStatus(ctx, id,
		[]domain.RoundStatus{domain.RoundStatusActive}, domain.RoundStatusLocked)
	if err != nil {
		return "", fmt.Errorf("round: lock %s: %w", id, err)
	}

	r, err := m.rounds.GetByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("round: lock %s: %w", id, err)
	}

	if changed {
		m.logger.InfoContext(ctx, "round: locked",
			slog.String("round_id", id),
			slog.String("mode", string(r.Mode)),
			slog.Any("total_pool", r.TotalPool),
		)
		m.publish(ctx, domain.EventRoundLocked, r)
		return Locked, nil
	}

	switch r.Status {
	case domain.RoundStatusLocked:
		return AlreadyLocked, nil
	case domain.RoundStatusResolved:
		return AlreadyResolved, nil
	default:
		return "", fmt.Errorf("round: lock %s (%s): %w", id, r.Status, domain.ErrInvalidRoundState)
	}
}

// GetActiveRounds returns every ACTIVE round, at most one per mode.
func (m *Manager) GetActiveRounds(ctx context.Context) ([]domain.Round, error) {
	rounds, err := m.rounds.List(ctx, domain.RoundFilter{Statuses: []domain.RoundStatus{domain.RoundStatusActive}})
	if err != nil {
		return nil, fmt.Errorf("round: active rounds: %w", err)
	}
	return rounds, nil
}

// GetRound returns one round.
func (m *Manager) GetRound(ctx context.Context, id string) (domain.Round, error) {
	r, err := m.rounds.GetByID(ctx, id)
	if err != nil {
		return domain.Round{}, fmt.Errorf("round: get %s: %w", id, err)
	}
	return r, nil
}

// ListRounds returns rounds matching filter, newest first.
func (m *Manager) ListRounds(ctx context.Context, filter domain.RoundFilter) ([]domain.Round, error) {
	rounds, err := m.rounds.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("round: list: %w", err)
	}
	return rounds, nil
}

// ListStakes returns the stakes of an existing round.
func (m *Manager) ListStakes(ctx context.Context, roundID string) ([]domain.Stake, error) {
	if _, err := m.rounds.GetByID(ctx, roundID); err != nil {
		return nil, fmt.Errorf("round: stakes %s: %w", roundID, err)
	}
	stakes, err := m.stakes.ListByRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("round: stakes %s: %w", roundID, err)
	}
	return stakes, nil
}

// DueForLock returns ACTIVE rounds whose end time is at or before now.
func (m *Manager) DueForLock(ctx context.Context, now time.Time) ([]domain.Round, error) {
	return m.due(ctx, now, domain.RoundStatusActive)
}

// DueForResolve returns ACTIVE or LOCKED rounds whose end time is at or
// before cutoff.
func (m *Manager) DueForResolve(ctx context.Context, cutoff time.Time) ([]domain.Round, error) {
	return m.due(ctx, cutoff, domain.RoundStatusActive, domain.RoundStatusLocked)
}

func (m *Manager) due(ctx context.Context, before time.Time, statuses ...domain.RoundStatus) ([]domain.Round, error) {
	rounds, err := m.rounds.List(ctx, domain.RoundFilter{Statuses: statuses, EndBefore: &before})
	if err != nil {
		return nil, fmt.Errorf("round: due before %s: %w", before.Format(time.RFC3339), err)
	}
	return rounds, nil
}

func (m *Manager) publish(ctx context.Context, typ domain.EventType, r domain.Round) {
	ev := domain.Event{Type: typ, At: m.now().UTC(), Round: &r}
	if err := domain.PublishEvent(ctx, m.bus, domain.ChannelRounds, ev); err != nil {
		m.logger.WarnContext(ctx, "round: publish event failed",
			slog.String("event", string(typ)),
			slog.String("round_id", r.ID),
			slog.String("error", err.Error()),
		)
	}
}
