package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

const stakeColumns = `s.id, s.round_id, s.participant_id, s.side, s.range_idx,
	rr.range_min::text, rr.range_max::text, s.amount::text, s.won, s.payout::text, s.created_at, s.settled_at`

const stakeFrom = ` FROM stakes s LEFT JOIN round_ranges rr ON rr.round_id = s.round_id AND rr.idx = s.range_idx`

// StakeStore implements domain.StakeStore using PostgreSQL.
type StakeStore struct {
	pool *pgxpool.Pool
}

// NewStakeStore creates a StakeStore backed by the given connection pool.
func NewStakeStore(pool *pgxpool.Pool) *StakeStore {
	return &StakeStore{pool: pool}
}

// ListByRound returns the stakes of a round in placement order.
func (s *StakeStore) ListByRound(ctx context.Context, roundID string) ([]domain.Stake, error) {
	return listStakesByRound(ctx, s.pool, roundID)
}

// ListByParticipant returns a participant's stakes, newest first.
func (s *StakeStore) ListByParticipant(ctx context.Context, participantID string, opts domain.ListOpts) ([]domain.Stake, error) {
	query := `SELECT ` + stakeColumns + stakeFrom + ` WHERE s.participant_id = $1`
	args := []any{participantID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND s.created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND s.created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY s.created_at DESC, s.id"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return queryStakes(ctx, s.pool, query, args...)
}

func listStakesByRound(ctx context.Context, db dbtx, roundID string) ([]domain.Stake, error) {
	query := `SELECT ` + stakeColumns + stakeFrom + ` WHERE s.round_id = $1 ORDER BY s.created_at, s.id`
	return queryStakes(ctx, db, query, roundID)
}

func queryStakes(ctx context.Context, db dbtx, query string, args ...any) ([]domain.Stake, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stakes: %w", err)
	}
	defer rows.Close()

	var stakes []domain.Stake
	for rows.Next() {
		st, err := scanStake(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan stake: %w", err)
		}
		stakes = append(stakes, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list stakes rows: %w", err)
	}
	return stakes, nil
}

func scanStake(row pgx.Row) (domain.Stake, error) {
	var (
		st     domain.Stake
		side   string
		lo, hi numeric.NullDecimal
	)
	err := row.Scan(&st.ID, &st.RoundID, &st.ParticipantID, &side, &st.RangeIndex,
		&lo, &hi, &st.Amount, &st.Won, &st.Payout, &st.CreatedAt, &st.SettledAt)
	if err != nil {
		return domain.Stake{}, err
	}
	st.Side = domain.Side(side)
	if st.RangeIndex != nil && lo.Valid && hi.Valid {
		st.Range = &domain.PriceRange{Min: lo.Decimal, Max: hi.Decimal}
	}
	return st, nil
}
