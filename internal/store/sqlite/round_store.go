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

const roundColumns = `id, mode, status, start_price, end_price, start_time, end_time, resolved_at,
	up_pool, down_pool, total_pool, forfeited, outcome, winning_side, winning_range, created_at, updated_at`

// RoundStore implements domain.RoundStore.
type RoundStore struct {
	db  *sql.DB
	now func() time.Time
}

// Create inserts the round and its declared ranges in one transaction.
func (s *RoundStore) Create(ctx context.Context, r domain.Round) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin create round: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `INSERT INTO rounds (` + roundColumns + `)
		VALUES (?, ?, ?, ?, NULL, ?, ?, NULL, ?, ?, ?, ?, '', '', NULL, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		r.ID, string(r.Mode), string(r.Status), r.StartPrice,
		formatTime(r.StartTime), formatTime(r.EndTime),
		r.UpPool, r.DownPool, r.TotalPool, r.Forfeited,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("sqlite: create round %s: %w", r.Mode, domain.ErrActiveRoundExists)
	}
	if err != nil {
		return fmt.Errorf("sqlite: create round %s: %w", r.ID, err)
	}

	for _, rp := range r.Ranges {
		const rangeQuery = `INSERT INTO round_ranges (round_id, idx, range_min, range_max, pool) VALUES (?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, rangeQuery, r.ID, rp.Index, rp.Min, rp.Max, rp.Pool); err != nil {
			return fmt.Errorf("sqlite: create round range %s/%d: %w", r.ID, rp.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit create round %s: %w", r.ID, err)
	}
	return nil
}

// GetByID returns the round with its ranges.
func (s *RoundStore) GetByID(ctx context.Context, id string) (domain.Round, error) {
	return getRound(ctx, s.db, id)
}

// List returns rounds matching filter, most recent first.
func (s *RoundStore) List(ctx context.Context, filter domain.RoundFilter) ([]domain.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE 1=1`
	var args []any

	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.Mode != "" {
		query += ` AND mode = ?`
		args = append(args, string(filter.Mode))
	}
	if filter.EndBefore != nil {
		query += ` AND end_time <= ?`
		args = append(args, formatTime(*filter.EndBefore))
	}
	if filter.Since != nil {
		query += ` AND start_time >= ?`
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		query += ` AND start_time <= ?`
		args = append(args, formatTime(*filter.Until))
	}

	query += ` ORDER BY start_time DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	return listRounds(ctx, s.db, query, args...)
}

// TransitionStatus applies a compare-and-swap on the status column.
func (s *RoundStore) TransitionStatus(ctx context.Context, id string, from []domain.RoundStatus, to domain.RoundStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("sqlite: transition round %s: no source status", id)
	}
	query := `UPDATE rounds SET status = ?, updated_at = ? WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args := []any{string(to), formatTime(s.now()), id}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if isUniqueViolation(err) {
		return false, fmt.Errorf("sqlite: transition round %s: %w", id, domain.ErrActiveRoundExists)
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: transition round %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: transition round %s rows: %w", id, err)
	}
	return n == 1, nil
}

func getRound(ctx context.Context, q querier, id string) (domain.Round, error) {
	const query = `SELECT ` + roundColumns + ` FROM rounds WHERE id = ?`
	r, err := scanRound(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Round{}, fmt.Errorf("sqlite: get round %s: %w", id, domain.ErrRoundNotFound)
	}
	if err != nil {
		return domain.Round{}, fmt.Errorf("sqlite: get round %s: %w", id, err)
	}
	if err := attachRanges(ctx, q, []*domain.Round{&r}); err != nil {
		return domain.Round{}, err
	}
	return r, nil
}

func listRounds(ctx context.Context, q querier, query string, args ...any) ([]domain.Round, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rounds: %w", err)
	}
	defer rows.Close()

	var rounds []domain.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan round: %w", err)
		}
		rounds = append(rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list rounds rows: %w", err)
	}
	rows.Close()

	ptrs := make([]*domain.Round, len(rounds))
	for i := range rounds {
		ptrs[i] = &rounds[i]
	}
	if err := attachRanges(ctx, q, ptrs); err != nil {
		return nil, err
	}
	return rounds, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (domain.Round, error) {
	var (
		r                  domain.Round
		mode, status       string
		outcome, side      string
		startT, endT       string
		createdT, updatedT string
		resolvedT          sql.NullString
		winningRange       sql.NullInt64
	)
	err := row.Scan(
		&r.ID, &mode, &status, &r.StartPrice, &r.EndPrice, &startT, &endT, &resolvedT,
		&r.UpPool, &r.DownPool, &r.TotalPool, &r.Forfeited, &outcome, &side, &winningRange,
		&createdT, &updatedT,
	)
	if err != nil {
		return domain.Round{}, err
	}

	r.Mode = domain.Mode(mode)
	r.Status = domain.RoundStatus(status)
	r.Outcome = domain.Outcome(outcome)
	r.WinningSide = domain.Side(side)
	if winningRange.Valid {
		idx := int(winningRange.Int64)
		r.WinningRange = &idx
	}
	if r.StartTime, err = parseTime(startT); err != nil {
		return domain.Round{}, err
	}
	if r.EndTime, err = parseTime(endT); err != nil {
		return domain.Round{}, err
	}
	if r.CreatedAt, err = parseTime(createdT); err != nil {
		return domain.Round{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedT); err != nil {
		return domain.Round{}, err
	}
	if r.ResolvedAt, err = parseNullTime(resolvedT); err != nil {
		return domain.Round{}, err
	}
	return r, nil
}

// attachRanges loads round_ranges for every RANGE round in rounds.
func attachRanges(ctx context.Context, q querier, rounds []*domain.Round) error {
	byID := make(map[string]*domain.Round)
	var ids []any
	for _, r := range rounds {
		if r.Mode == domain.ModeRange {
			byID[r.ID] = r
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	query := `SELECT round_id, idx, range_min, range_max, pool FROM round_ranges
		WHERE round_id IN (` + placeholders(len(ids)) + `) ORDER BY round_id, idx`
	rows, err := q.QueryContext(ctx, query, ids...)
	if err != nil {
		return fmt.Errorf("sqlite: load round ranges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			roundID string
			rp      domain.RangePool
			lo, hi  numeric.Decimal
		)
		if err := rows.Scan(&roundID, &rp.Index, &lo, &hi, &rp.Pool); err != nil {
			return fmt.Errorf("sqlite: scan round range: %w", err)
		}
		rp.PriceRange = domain.PriceRange{Min: lo, Max: hi}
		if r, ok := byID[roundID]; ok {
			r.Ranges = append(r.Ranges, rp)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: load round ranges rows: %w", err)
	}
	return nil
}
