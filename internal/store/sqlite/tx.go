package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// Tx implements domain.Tx. Each write is a compare-and-swap against the
// value read earlier in the same transaction.
type Tx struct {
	tx  *sql.Tx
	now func() time.Time
}

var _ domain.Tx = (*Tx)(nil)

func (t *Tx) GetRoundForUpdate(ctx context.Context, id string) (domain.Round, error) {
	return getRound(ctx, t.tx, id)
}

func (t *Tx) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	return getParticipant(ctx, t.tx, id)
}

func (t *Tx) ListStakes(ctx context.Context, roundID string) ([]domain.Stake, error) {
	return listStakesByRound(ctx, t.tx, roundID)
}

func (t *Tx) InsertStake(ctx context.Context, s domain.Stake) error {
	const query = `INSERT INTO stakes (id, round_id, participant_id, side, range_idx, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	var rangeIdx any
	if s.RangeIndex != nil {
		rangeIdx = *s.RangeIndex
	}
	_, err := t.tx.ExecContext(ctx, query,
		s.ID, s.RoundID, s.ParticipantID, string(s.Side), rangeIdx, s.Amount, formatTime(s.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("sqlite: insert stake %s/%s: %w", s.RoundID, s.ParticipantID, domain.ErrDuplicatePrediction)
	}
	if err != nil {
		return fmt.Errorf("sqlite: insert stake %s: %w", s.ID, err)
	}
	return nil
}

func (t *Tx) AddToPool(ctx context.Context, roundID string, side domain.Side, rangeIndex *int, amount numeric.Decimal) error {
	var (
		status                  string
		upPool, downPool, total numeric.Decimal
	)
	const sel = `SELECT status, up_pool, down_pool, total_pool FROM rounds WHERE id = ?`
	err := t.tx.QueryRowContext(ctx, sel, roundID).Scan(&status, &upPool, &downPool, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: add to pool %s: %w", roundID, domain.ErrRoundNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlite: add to pool %s: %w", roundID, err)
	}
	if domain.RoundStatus(status) != domain.RoundStatusActive {
		return fmt.Errorf("sqlite: add to pool %s (%s): %w", roundID, status, domain.ErrRoundNotActive)
	}

	switch {
	case side == domain.SideUp:
		upPool = upPool.Add(amount)
	case side == domain.SideDown:
		downPool = downPool.Add(amount)
	case rangeIndex != nil:
		if err := t.addToRangePool(ctx, roundID, *rangeIndex, amount); err != nil {
			return err
		}
	default:
		return fmt.Errorf("sqlite: add to pool %s: %w", roundID, domain.ErrMissingSideOrRange)
	}

	const upd = `UPDATE rounds SET up_pool = ?, down_pool = ?, total_pool = ?, updated_at = ?
		WHERE id = ? AND status = 'ACTIVE' AND total_pool = ?`
	res, err := t.tx.ExecContext(ctx, upd,
		upPool, downPool, total.Add(amount), formatTime(t.now()), roundID, total)
	if err != nil {
		return fmt.Errorf("sqlite: add to pool %s: %w", roundID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: add to pool %s: %w", roundID, domain.ErrRoundNotActive)
	}
	return nil
}

func (t *Tx) addToRangePool(ctx context.Context, roundID string, idx int, amount numeric.Decimal) error {
	var pool numeric.Decimal
	const sel = `SELECT pool FROM round_ranges WHERE round_id = ? AND idx = ?`
	err := t.tx.QueryRowContext(ctx, sel, roundID, idx).Scan(&pool)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: add to range pool %s/%d: %w", roundID, idx, domain.ErrInvalidRange)
	}
	if err != nil {
		return fmt.Errorf("sqlite: add to range pool %s/%d: %w", roundID, idx, err)
	}

	const upd = `UPDATE round_ranges SET pool = ? WHERE round_id = ? AND idx = ? AND pool = ?`
	res, err := t.tx.ExecContext(ctx, upd, pool.Add(amount), roundID, idx, pool)
	if err != nil {
		return fmt.Errorf("sqlite: add to range pool %s/%d: %w", roundID, idx, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: add to range pool %s/%d: concurrent update", roundID, idx)
	}
	return nil
}

func (t *Tx) DebitBalance(ctx context.Context, participantID string, amount numeric.Decimal) error {
	balance, err := t.balance(ctx, participantID)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("sqlite: debit %s: %w", participantID, domain.ErrInsufficientBalance)
	}
	return t.swapBalance(ctx, participantID, balance, balance.Sub(amount), domain.ErrInsufficientBalance)
}

func (t *Tx) CreditBalance(ctx context.Context, participantID string, amount numeric.Decimal) error {
	balance, err := t.balance(ctx, participantID)
	if err != nil {
		return err
	}
	return t.swapBalance(ctx, participantID, balance, balance.Add(amount), errors.New("concurrent update"))
}

func (t *Tx) balance(ctx context.Context, participantID string) (numeric.Decimal, error) {
	var balance numeric.Decimal
	err := t.tx.QueryRowContext(ctx, `SELECT balance FROM participants WHERE id = ?`, participantID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return numeric.Zero, fmt.Errorf("sqlite: balance %s: %w", participantID, domain.ErrParticipantNotFound)
	}
	if err != nil {
		return numeric.Zero, fmt.Errorf("sqlite: balance %s: %w", participantID, err)
	}
	return balance, nil
}

func (t *Tx) swapBalance(ctx context.Context, participantID string, old, next numeric.Decimal, conflict error) error {
	const query = `UPDATE participants SET balance = ?, updated_at = ? WHERE id = ? AND balance = ?`
	res, err := t.tx.ExecContext(ctx, query, next, formatTime(t.now()), participantID, old)
	if err != nil {
		return fmt.Errorf("sqlite: update balance %s: %w", participantID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: update balance %s: %w", participantID, conflict)
	}
	return nil
}

func (t *Tx) SettleStake(ctx context.Context, stakeID string, won *bool, payout numeric.Decimal, at time.Time) error {
	const query = `UPDATE stakes SET won = ?, payout = ?, settled_at = ? WHERE id = ? AND payout IS NULL`
	var wonArg any
	if won != nil {
		wonArg = *won
	}
	res, err := t.tx.ExecContext(ctx, query, wonArg, payout, formatTime(at), stakeID)
	if err != nil {
		return fmt.Errorf("sqlite: settle stake %s: %w", stakeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: settle stake %s: %w", stakeID, domain.ErrStakeAlreadySettled)
	}
	return nil
}

func (t *Tx) CloseRound(ctx context.Context, c domain.RoundClose) error {
	const query = `UPDATE rounds SET status = ?, end_price = ?, resolved_at = ?, outcome = ?,
		winning_side = ?, winning_range = ?, forfeited = ?, updated_at = ?
		WHERE id = ? AND status IN ('ACTIVE', 'LOCKED')`

	var resolvedAt, winningRange any
	if c.Status == domain.RoundStatusResolved {
		resolvedAt = formatTime(c.ClosedAt)
	}
	if c.WinningRange != nil {
		winningRange = *c.WinningRange
	}
	res, err := t.tx.ExecContext(ctx, query,
		string(c.Status), c.EndPrice, resolvedAt, string(c.Outcome),
		string(c.WinningSide), winningRange, c.Forfeited, formatTime(c.ClosedAt),
		c.RoundID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: close round %s: %w", c.RoundID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var status string
	err = t.tx.QueryRowContext(ctx, `SELECT status FROM rounds WHERE id = ?`, c.RoundID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("sqlite: close round %s: %w", c.RoundID, domain.ErrRoundNotFound)
	case err != nil:
		return fmt.Errorf("sqlite: close round %s: %w", c.RoundID, err)
	case domain.RoundStatus(status) == domain.RoundStatusResolved:
		return fmt.Errorf("sqlite: close round %s: %w", c.RoundID, domain.ErrRoundAlreadyResolved)
	default:
		return fmt.Errorf("sqlite: close round %s (%s): %w", c.RoundID, status, domain.ErrInvalidRoundState)
	}
}

func (t *Tx) Log(ctx context.Context, event string, detail map[string]any) error {
	return (&AuditStore{q: t.tx, now: t.now}).Log(ctx, event, detail)
}
