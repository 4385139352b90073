package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/retry"
)

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks a gateway error as safe to retry because nothing reached
// the remote ledger.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// NoopGateway accepts every instruction without contacting anything.
type NoopGateway struct {
	logger *slog.Logger
}

// NewNoopGateway creates a NoopGateway.
func NewNoopGateway(logger *slog.Logger) *NoopGateway {
	return &NoopGateway{logger: logger.With(slog.String("component", "settlement.noop"))}
}

func (g *NoopGateway) RecordStake(ctx context.Context, in domain.StakeInstruction) error {
	g.logger.DebugContext(ctx, "settlement: stake recorded",
		slog.String("round_id", in.RoundID),
		slog.String("stake_id", in.StakeID),
		slog.Any("amount", in.Amount),
	)
	return nil
}

func (g *NoopGateway) RecordResolution(ctx context.Context, in domain.ResolutionInstruction) error {
	g.logger.DebugContext(ctx, "settlement: resolution recorded",
		slog.String("round_id", in.RoundID),
		slog.String("outcome", string(in.Outcome)),
		slog.Any("final_price", in.FinalPrice),
	)
	return nil
}

// RetryingGateway retries calls that fail with a Retryable error.
type RetryingGateway struct {
	next   domain.SettlementGateway
	policy retry.Policy
	logger *slog.Logger
}

// NewRetryingGateway wraps next.
func NewRetryingGateway(next domain.SettlementGateway, policy retry.Policy, logger *slog.Logger) *RetryingGateway {
	return &RetryingGateway{next: next, policy: policy, logger: logger.With(slog.String("component", "settlement.retry"))}
}

func (g *RetryingGateway) RecordStake(ctx context.Context, in domain.StakeInstruction) error {
	return g.do(ctx, "stake", func(ctx context.Context) error { return g.next.RecordStake(ctx, in) })
}

func (g *RetryingGateway) RecordResolution(ctx context.Context, in domain.ResolutionInstruction) error {
	return g.do(ctx, "resolution", func(ctx context.Context) error { return g.next.RecordResolution(ctx, in) })
}

func (g *RetryingGateway) do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	return retry.DoNotify(ctx, g.policy, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && !IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, wait time.Duration) {
		g.logger.WarnContext(ctx, "settlement: retryable gateway error",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	})
}

var (
	_ domain.SettlementGateway = (*NoopGateway)(nil)
	_ domain.SettlementGateway = (*RetryingGateway)(nil)
)
