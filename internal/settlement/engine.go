// Package settlement resolves and cancels rounds.
//
// A resolution reads every stake under a lock on the round, computes the
// payout plan, writes each payout, credits balances, closes the round and
// calls the external settlement gateway inside one transaction.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/metrics"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// Resolution is the committed result of ResolveRound or CancelRound.
type Resolution struct {
	Round  domain.Round
	Stakes []domain.Stake
	Plan   Plan
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSignalBus publishes round.resolved and round.cancelled after commit.
func WithSignalBus(bus domain.SignalBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMetrics records settled rounds and gateway latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine settles rounds.
type Engine struct {
	tx      domain.TxRunner
	gateway domain.SettlementGateway
	bus     domain.SignalBus
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(tx domain.TxRunner, gateway domain.SettlementGateway, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		tx:      tx,
		gateway: gateway,
		logger:  logger.With(slog.String("component", "settlement")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ResolveRound settles an ACTIVE or LOCKED round at finalPrice. A second
// call fails with domain.ErrRoundAlreadyResolved.
func (e *Engine) ResolveRound(ctx context.Context, roundID string, finalPrice numeric.Decimal) (Resolution, error) {
	var res Resolution
	err := e.tx.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		r, stakes, err := e.load(ctx, tx, roundID)
		if err != nil {
			return err
		}
		if !finalPrice.IsPositive() {
			return domain.ErrOracleUnavailable
		}

		var plan Plan
		switch r.Mode {
		case domain.ModeBinary:
			plan, err = PlanBinary(r.StartPrice, finalPrice, stakes)
		case domain.ModeRange:
			plan, err = PlanRange(r.Ranges, finalPrice, stakes)
		default:
			err = fmt.Errorf("%w: %q", domain.ErrInvalidMode, r.Mode)
		}
		if err != nil {
			return err
		}

		res, err = e.apply(ctx, tx, r, stakes, plan, domain.RoundStatusResolved, numeric.Some(finalPrice))
		if err != nil {
			return err
		}
		return e.recordResolution(ctx, domain.ResolutionInstruction{
			RoundID:    r.ID,
			Mode:       r.Mode,
			FinalPrice: finalPrice,
			Outcome:    plan.Outcome,
		})
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("settlement: resolve %s: %w", roundID, err)
	}

	e.committed(ctx, domain.EventRoundResolved, res)
	return res, nil
}

// CancelRound moves an ACTIVE or LOCKED round to CANCELLED and refunds
// every stake.
func (e *Engine) CancelRound(ctx context.Context, roundID string) (Resolution, error) {
	var res Resolution
	err := e.tx.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		r, stakes, err := e.load(ctx, tx, roundID)
		if err != nil {
			return err
		}

		res, err = e.apply(ctx, tx, r, stakes, Refund(stakes), domain.RoundStatusCancelled, numeric.NullDecimal{})
		if err != nil {
			return err
		}
		return e.recordResolution(ctx, domain.ResolutionInstruction{
			RoundID:    r.ID,
			Mode:       r.Mode,
			FinalPrice: numeric.Zero,
			Outcome:    domain.OutcomeRefund,
		})
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("settlement: cancel %s: %w", roundID, err)
	}

	e.committed(ctx, domain.EventRoundCancelled, res)
	return res, nil
}

// load locks the round, checks that it is still open and reads its stakes.
// The stake amounts must add up to the recorded pool.
func (e *Engine) load(ctx context.Context, tx domain.Tx, roundID string) (domain.Round, []domain.Stake, error) {
	r, err := tx.GetRoundForUpdate(ctx, roundID)
	if err != nil {
		return domain.Round{}, nil, err
	}
	switch {
	case r.Status == domain.RoundStatusResolved:
		return domain.Round{}, nil, domain.ErrRoundAlreadyResolved
	case !r.Status.Open():
		return domain.Round{}, nil, fmt.Errorf("%w: round is %s", domain.ErrInvalidRoundState, r.Status)
	}

	stakes, err := tx.ListStakes(ctx, roundID)
	if err != nil {
		return domain.Round{}, nil, err
	}
	total := numeric.Zero
	for _, s := range stakes {
		if s.Settled() {
			return domain.Round{}, nil, fmt.Errorf("stake %s: %w", s.ID, domain.ErrStakeAlreadySettled)
		}
		total = total.Add(s.Amount)
	}
	if !total.Equal(r.TotalPool) {
		return domain.Round{}, nil, fmt.Errorf("stakes sum to %s but round pool is %s", total, r.TotalPool)
	}
	return r, stakes, nil
}

func (e *Engine) apply(ctx context.Context, tx domain.Tx, r domain.Round, stakes []domain.Stake, plan Plan, status domain.RoundStatus, endPrice numeric.NullDecimal) (Resolution, error) {
	now := e.now().UTC()
	byID := make(map[string]int, len(stakes))
	for i, s := range stakes {
		byID[s.ID] = i
	}

	for _, a := range plan.Allocations {
		if err := tx.SettleStake(ctx, a.StakeID, a.Won, a.Payout, now); err != nil {
			return Resolution{}, err
		}
		if a.Payout.IsPositive() {
			if err := tx.CreditBalance(ctx, a.ParticipantID, a.Payout); err != nil {
				return Resolution{}, err
			}
		}
		s := &stakes[byID[a.StakeID]]
		s.Won, s.Payout, s.SettledAt = a.Won, numeric.Some(a.Payout), &now
	}

	closing := domain.RoundClose{
		RoundID:      r.ID,
		Status:       status,
		EndPrice:     endPrice,
		ClosedAt:     now,
		Outcome:      plan.Outcome,
		WinningSide:  plan.WinningSide,
		WinningRange: plan.WinningRange,
		Forfeited:    plan.Forfeited,
	}
	if err := tx.CloseRound(ctx, closing); err != nil {
		return Resolution{}, err
	}

	r.Status = status
	r.EndPrice = endPrice
	r.Outcome = plan.Outcome
	r.WinningSide = plan.WinningSide
	r.WinningRange = plan.WinningRange
	r.Forfeited = plan.Forfeited
	r.UpdatedAt = now
	if status == domain.RoundStatusResolved {
		r.ResolvedAt = &now
	}

	detail := map[string]any{
		"round_id":     r.ID,
		"mode":         string(r.Mode),
		"status":       string(status),
		"outcome":      string(plan.Outcome),
		"stakes":       len(stakes),
		"total_pool":   r.TotalPool.String(),
		"total_payout": plan.TotalPayout().String(),
		"forfeited":    plan.Forfeited.String(),
	}
	if endPrice.Valid {
		detail["end_price"] = endPrice.Decimal.String()
	}
	if plan.WinningSide != "" {
		detail["winning_side"] = string(plan.WinningSide)
	}
	if plan.WinningRange != nil {
		detail["winning_range"] = *plan.WinningRange
	}
	event := domain.EventRoundResolved
	if status == domain.RoundStatusCancelled {
		event = domain.EventRoundCancelled
	}
	if err := tx.Log(ctx, string(event), detail); err != nil {
		return Resolution{}, err
	}

	return Resolution{Round: r, Stakes: stakes, Plan: plan}, nil
}

func (e *Engine) recordResolution(ctx context.Context, in domain.ResolutionInstruction) error {
	started := time.Now()
	err := e.gateway.RecordResolution(ctx, in)
	e.metrics.ObserveSettlementCall("resolution", started, err)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSettlementCallFailed, err)
	}
	return nil
}

func (e *Engine) committed(ctx context.Context, typ domain.EventType, res Resolution) {
	r := res.Round
	e.metrics.RecordRoundSettled(string(r.Mode), string(r.Outcome))
	e.logger.InfoContext(ctx, "settlement: round closed",
		slog.String("round_id", r.ID),
		slog.String("status", string(r.Status)),
		slog.String("outcome", string(r.Outcome)),
		slog.Int("stakes", len(res.Stakes)),
		slog.Any("total_pool", r.TotalPool),
		slog.Any("forfeited", r.Forfeited),
	)

	ev := domain.Event{Type: typ, At: r.UpdatedAt, Round: &r}
	if err := domain.PublishEvent(ctx, e.bus, domain.ChannelRounds, ev); err != nil {
		e.logger.WarnContext(ctx, "settlement: publish event failed",
			slog.String("round_id", r.ID),
			slog.String("error", err.Error()),
		)
	}
}
