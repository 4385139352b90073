// Package stake places stakes on active rounds.
//
// SubmitStake commits the stake row, the pool increment, the balance debit,
// an audit entry and the external settlement call as one transaction. If any
// step fails nothing is written.
package stake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/metrics"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// Request is a stake submission. Exactly one of Side and Range is set.
type Request struct {
	ParticipantID string
	RoundID       string
	Amount        numeric.Decimal
	Side          domain.Side
	Range         *domain.PriceRange
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSignalBus publishes stake.placed after each commit.
func WithSignalBus(bus domain.SignalBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMetrics records placement results and gateway latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine validates and commits stakes.
type Engine struct {
	tx      domain.TxRunner
	rounds  domain.RoundStore
	gateway domain.SettlementGateway
	bus     domain.SignalBus
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(tx domain.TxRunner, rounds domain.RoundStore, gateway domain.SettlementGateway, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		tx:      tx,
		rounds:  rounds,
		gateway: gateway,
		logger:  logger.With(slog.String("component", "stake")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitStake places one stake. A participant can stake at most once per
// round; the second attempt fails with domain.ErrDuplicatePrediction.
func (e *Engine) SubmitStake(ctx context.Context, req Request) (domain.Stake, error) {
	r, s, err := e.submit(ctx, req)
	e.metrics.RecordStake(string(r.Mode), resultLabel(err))
	if err != nil {
		e.logger.InfoContext(ctx, "stake: rejected",
			slog.String("round_id", req.RoundID),
			slog.String("participant_id", req.ParticipantID),
			slog.Any("amount", req.Amount),
			slog.String("error", err.Error()),
		)
		return domain.Stake{}, err
	}

	e.logger.InfoContext(ctx, "stake: placed",
		slog.String("stake_id", s.ID),
		slog.String("round_id", s.RoundID),
		slog.String("participant_id", s.ParticipantID),
		slog.Any("amount", s.Amount),
	)
	ev := domain.Event{Type: domain.EventStakePlaced, At: s.CreatedAt, Stake: &s}
	if err := domain.PublishEvent(ctx, e.bus, domain.ChannelStakes, ev); err != nil {
		e.logger.WarnContext(ctx, "stake: publish event failed",
			slog.String("stake_id", s.ID),
			slog.String("error", err.Error()),
		)
	}
	return s, nil
}

func (e *Engine) submit(ctx context.Context, req Request) (domain.Round, domain.Stake, error) {
	if !req.Amount.IsPositive() {
		return domain.Round{}, domain.Stake{}, fmt.Errorf("stake: %w", domain.ErrInvalidAmount)
	}

	r, err := e.rounds.GetByID(ctx, req.RoundID)
	if err != nil {
		return domain.Round{}, domain.Stake{}, fmt.Errorf("stake: round %s: %w", req.RoundID, err)
	}

	now := e.now().UTC()
	if !r.AcceptsStakes(now) {
		return r, domain.Stake{}, fmt.Errorf("stake: round %s (%s): %w", r.ID, r.Status, domain.ErrRoundNotActive)
	}

	s := domain.Stake{
		ID:            uuid.NewString(),
		RoundID:       r.ID,
		ParticipantID: req.ParticipantID,
		Amount:        req.Amount,
		CreatedAt:     now,
	}
	if err := selectTarget(r, req, &s); err != nil {
		return r, domain.Stake{}, fmt.Errorf("stake: round %s: %w", r.ID, err)
	}

	err = e.tx.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.InsertStake(ctx, s); err != nil {
			return err
		}
		if err := tx.AddToPool(ctx, s.RoundID, s.Side, s.RangeIndex, s.Amount); err != nil {
			return err
		}
		if err := tx.DebitBalance(ctx, s.ParticipantID, s.Amount); err != nil {
			return err
		}
		p, err := tx.GetParticipant(ctx, s.ParticipantID)
		if err != nil {
			return err
		}
		if err := tx.Log(ctx, string(domain.EventStakePlaced), map[string]any{
			"stake_id":       s.ID,
			"round_id":       s.RoundID,
			"participant_id": s.ParticipantID,
			"amount":         s.Amount.String(),
			"side":           string(s.Side),
			"range_index":    s.RangeIndex,
			"balance_after":  p.Balance.String(),
		}); err != nil {
			return err
		}
		return e.recordStake(ctx, domain.StakeInstruction{
			RoundID: s.RoundID,
			StakeID: s.ID,
			Address: p.Address,
			Amount:  s.Amount,
			Side:    s.Side,
			Range:   s.Range,
		})
	})
	if err != nil {
		return r, domain.Stake{}, fmt.Errorf("stake: submit %s/%s: %w", s.RoundID, s.ParticipantID, err)
	}
	return r, s, nil
}

func (e *Engine) recordStake(ctx context.Context, in domain.StakeInstruction) error {
	started := time.Now()
	err := e.gateway.RecordStake(ctx, in)
	e.metrics.ObserveSettlementCall("stake", started, err)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSettlementCallFailed, err)
	}
	return nil
}

// selectTarget fills the side or range of s from req, checked against the
// round mode.
func selectTarget(r domain.Round, req Request, s *domain.Stake) error {
	hasSide, hasRange := req.Side != "", req.Range != nil
	if hasSide == hasRange {
		return domain.ErrMissingSideOrRange
	}

	switch r.Mode {
	case domain.ModeBinary:
		if hasRange {
			return fmt.Errorf("%w: BINARY round takes a side", domain.ErrInvalidMode)
		}
		side, err := domain.ParseSide(string(req.Side))
		if err != nil {
			return err
		}
		s.Side = side
	case domain.ModeRange:
		if hasSide {
			return fmt.Errorf("%w: RANGE round takes a range", domain.ErrInvalidMode)
		}
		idx, ok := r.FindRange(*req.Range)
		if !ok {
			return fmt.Errorf("%w: %s is not declared on the round", domain.ErrInvalidRange, req.Range)
		}
		pr := *req.Range
		s.RangeIndex = &idx
		s.Range = &pr
	default:
		return fmt.Errorf("%w: %q", domain.ErrInvalidMode, r.Mode)
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrDuplicatePrediction):
		return "duplicate"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrRoundNotActive), errors.Is(err, domain.ErrRoundNotFound):
		return "round_unavailable"
	case errors.Is(err, domain.ErrSettlementCallFailed):
		return "settlement_failed"
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidMode),
		errors.Is(err, domain.ErrInvalidRange), errors.Is(err, domain.ErrMissingSideOrRange),
		errors.Is(err, domain.ErrParticipantNotFound):
		return "invalid"
	default:
		return "error"
	}
}
