package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// Tx implements domain.Tx on an open pgx transaction.
type Tx struct {
	tx pgx.Tx
}

var _ domain.Tx = (*Tx)(nil)

// GetRoundForUpdate takes the round row lock. Stake placement takes the same
// lock through AddToPool, so resolution and placement on one round serialize.
func (t *Tx) GetRoundForUpdate(ctx context.Context, id string) (domain.Round, error) {
	return getRound(ctx, t.tx, id, true)
}

func (t *Tx) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	return getParticipant(ctx, t.tx, id)
}

func (t *Tx) ListStakes(ctx context.Context, roundID string) ([]domain.Stake, error) {
	return listStakesByRound(ctx, t.tx, roundID)
}

func (t *Tx) InsertStake(ctx context.Context, s domain.Stake) error {
	const query = `
		INSERT INTO stakes (id, round_id, participant_id, side, range_idx, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := t.tx.Exec(ctx, query,
		s.ID, s.RoundID, s.ParticipantID, string(s.Side), s.RangeIndex, s.Amount.String(), s.CreatedAt)
	if err == nil {
		return nil
	}
	return stakeInsertError(err, s)
}

// stakeInsertError maps constraint violations on stakes to domain errors.
func stakeInsertError(err error, s domain.Stake) error {
	if pgErr := pgError(err); pgErr != nil {
		switch {
		case pgErr.Code == codeUniqueViolation:
			return fmt.Errorf("postgres: insert stake %s/%s: %w", s.RoundID, s.ParticipantID, domain.ErrDuplicatePrediction)
		case pgErr.Code == codeForeignKeyViolation && pgErr.ConstraintName == "stakes_participant_id_fkey":
			return fmt.Errorf("postgres: insert stake %s: %w", s.ParticipantID, domain.ErrParticipantNotFound)
		case pgErr.Code == codeForeignKeyViolation:
			return fmt.Errorf("postgres: insert stake %s: %w", s.RoundID, domain.ErrRoundNotFound)
		}
	}
	return fmt.Errorf("postgres: insert stake %s: %w", s.ID, err)
}

func (t *Tx) AddToPool(ctx context.Context, roundID string, side domain.Side, rangeIndex *int, amount numeric.Decimal) error {
	if side == "" && rangeIndex == nil {
		return fmt.Errorf("postgres: add to pool %s: %w", roundID, domain.ErrMissingSideOrRange)
	}

	const query = `
		UPDATE rounds SET
			up_pool    = up_pool   + CASE WHEN $2::text = 'UP'   THEN $3::numeric ELSE 0 END,
			down_pool  = down_pool + CASE WHEN $2::text = 'DOWN' THEN $3::numeric ELSE 0 END,
			total_pool = total_pool + $3::numeric,
			updated_at = NOW()
		WHERE id = $1 AND status = 'ACTIVE'`
	tag, err := t.tx.Exec(ctx, query, roundID, string(side), amount.String())
	if err != nil {
		return fmt.Errorf("postgres: add to pool %s: %w", roundID, err)
	}
	if tag.RowsAffected() == 0 {
		return t.roundNotActive(ctx, roundID)
	}

	if rangeIndex == nil {
		return nil
	}
	const rangeQuery = `UPDATE round_ranges SET pool = pool + $3::numeric WHERE round_id = $1 AND idx = $2`
	tag, err = t.tx.Exec(ctx, rangeQuery, roundID, *rangeIndex, amount.String())
	if err != nil {
		return fmt.Errorf("postgres: add to range pool %s/%d: %w", roundID, *rangeIndex, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: add to range pool %s/%d: %w", roundID, *rangeIndex, domain.ErrInvalidRange)
	}
	return nil
}

func (t *Tx) roundNotActive(ctx context.Context, roundID string) error {
	var status string
	err := t.tx.QueryRow(ctx, `SELECT status FROM rounds WHERE id = $1`, roundID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: add to pool %s: %w", roundID, domain.ErrRoundNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: add to pool %s: %w", roundID, err)
	}
	return fmt.Errorf("postgres: add to pool %s (%s): %w", roundID, status, domain.ErrRoundNotActive)
}

// DebitBalance is a single conditional UPDATE: the sufficiency check and the
// decrement happen under the same row lock.
func (t *Tx) DebitBalance(ctx context.Context, participantID string, amount numeric.Decimal) error {
	const query = `
		UPDATE participants SET balance = balance - $2::numeric, updated_at = NOW()
		WHERE id = $1 AND balance >= $2::numeric`
	tag, err := t.tx.Exec(ctx, query, participantID, amount.String())
	if err != nil {
		return fmt.Errorf("postgres: debit %s: %w", participantID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := getParticipant(ctx, t.tx, participantID); err != nil {
		return err
	}
	return fmt.Errorf("postgres: debit %s: %w", participantID, domain.ErrInsufficientBalance)
}

func (t *Tx) CreditBalance(ctx context.Context, participantID string, amount numeric.Decimal) error {
	const query = `UPDATE participants SET balance = balance + $2::numeric, updated_at = NOW() WHERE id = $1`
	tag, err := t.tx.Exec(ctx, query, participantID, amount.String())
	if err != nil {
		return fmt.Errorf("postgres: credit %s: %w", participantID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: credit %s: %w", participantID, domain.ErrParticipantNotFound)
	}
	return nil
}

func (t *Tx) SettleStake(ctx context.Context, stakeID string, won *bool, payout numeric.Decimal, at time.Time) error {
	const query = `UPDATE stakes SET won = $2, payout = $3, settled_at = $4 WHERE id = $1 AND payout IS NULL`
	tag, err := t.tx.Exec(ctx, query, stakeID, won, payout.String(), at)
	if err != nil {
		return fmt.Errorf("postgres: settle stake %s: %w", stakeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: settle stake %s: %w", stakeID, domain.ErrStakeAlreadySettled)
	}
	return nil
}

func (t *Tx) CloseRound(ctx context.Context, c domain.RoundClose) error {
	const query = `
		UPDATE rounds SET
			status        = $2::text,
			end_price     = $3::numeric,
			resolved_at   = CASE WHEN $2::text = 'RESOLVED' THEN $4::timestamptz END,
			outcome       = $5,
			winning_side  = $6,
			winning_range = $7,
			forfeited     = $8,
			updated_at    = $4::timestamptz
		WHERE id = $1 AND status IN ('ACTIVE', 'LOCKED')`

	var endPrice *string
	if c.EndPrice.Valid {
		v := c.EndPrice.Decimal.String()
		endPrice = &v
	}
	tag, err := t.tx.Exec(ctx, query,
		c.RoundID, string(c.Status), endPrice, c.ClosedAt,
		string(c.Outcome), string(c.WinningSide), c.WinningRange, c.Forfeited.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: close round %s: %w", c.RoundID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	err = t.tx.QueryRow(ctx, `SELECT status FROM rounds WHERE id = $1`, c.RoundID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("postgres: close round %s: %w", c.RoundID, domain.ErrRoundNotFound)
	case err != nil:
		return fmt.Errorf("postgres: close round %s: %w", c.RoundID, err)
	case domain.RoundStatus(status) == domain.RoundStatusResolved:
		return fmt.Errorf("postgres: close round %s: %w", c.RoundID, domain.ErrRoundAlreadyResolved)
	default:
		return fmt.Errorf("postgres: close round %s (%s): %w", c.RoundID, status, domain.ErrInvalidRoundState)
	}
}

func (t *Tx) Log(ctx context.Context, event string, detail map[string]any) error {
	return (&AuditStore{db: t.tx}).Log(ctx, event, detail)
}
