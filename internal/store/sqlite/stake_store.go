package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alanyoungcy/predictarena/internal/domain"
)

const stakeColumns = `s.id, s.round_id, s.participant_id, s.side, s.range_idx, rr.range_min, rr.range_max,
	s.amount, s.won, s.payout, s.created_at, s.settled_at`

const stakeFrom = ` FROM stakes s LEFT JOIN round_ranges rr ON rr.round_id = s.round_id AND rr.idx = s.range_idx`

// StakeStore implements domain.StakeStore.
type StakeStore struct {
	db *sql.DB
}

// ListByRound returns the stakes of a round in placement order.
func (s *StakeStore) ListByRound(ctx context.Context, roundID string) ([]domain.Stake, error) {
	return listStakesByRound(ctx, s.db, roundID)
}

// ListByParticipant returns a participant's stakes, newest first.
func (s *StakeStore) ListByParticipant(ctx context.Context, participantID string, opts domain.ListOpts) ([]domain.Stake, error) {
	query := `SELECT ` + stakeColumns + stakeFrom + ` WHERE s.participant_id = ?`
	args := []any{participantID}
	if opts.Since != nil {
		query += ` AND s.created_at >= ?`
		args = append(args, formatTime(*opts.Since))
	}
	if opts.Until != nil {
		query += ` AND s.created_at <= ?`
		args = append(args, formatTime(*opts.Until))
	}
	query += ` ORDER BY s.created_at DESC, s.id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, opts.Offset)
		}
	}
	return queryStakes(ctx, s.db, query, args...)
}

func listStakesByRound(ctx context.Context, q querier, roundID string) ([]domain.Stake, error) {
	query := `SELECT ` + stakeColumns + stakeFrom + ` WHERE s.round_id = ? ORDER BY s.created_at, s.id`
	return queryStakes(ctx, q, query, roundID)
}

func queryStakes(ctx context.Context, q querier, query string, args ...any) ([]domain.Stake, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stakes: %w", err)
	}
	defer rows.Close()

	var stakes []domain.Stake
	for rows.Next() {
		st, err := scanStake(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan stake: %w", err)
		}
		stakes = append(stakes, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list stakes rows: %w", err)
	}
	return stakes, nil
}

func scanStake(row rowScanner) (domain.Stake, error) {
	var (
		st       domain.Stake
		side     string
		rangeIdx sql.NullInt64
		lo, hi   sql.NullString
		won      sql.NullBool
		createdT string
		settledT sql.NullString
	)
	err := row.Scan(&st.ID, &st.RoundID, &st.ParticipantID, &side, &rangeIdx, &lo, &hi,
		&st.Amount, &won, &st.Payout, &createdT, &settledT)
	if err != nil {
		return domain.Stake{}, err
	}

	st.Side = domain.Side(side)
	if rangeIdx.Valid {
		idx := int(rangeIdx.Int64)
		st.RangeIndex = &idx
		if lo.Valid && hi.Valid {
			var pr domain.PriceRange
			if err := pr.Min.Scan(lo.String); err != nil {
				return domain.Stake{}, err
			}
			if err := pr.Max.Scan(hi.String); err != nil {
				return domain.Stake{}, err
			}
			st.Range = &pr
		}
	}
	if won.Valid {
		w := won.Bool
		st.Won = &w
	}
	if st.CreatedAt, err = parseTime(createdT); err != nil {
		return domain.Stake{}, err
	}
	if st.SettledAt, err = parseNullTime(settledT); err != nil {
		return domain.Stake{}, err
	}
	return st, nil
}
