package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictarena/internal/domain"
)

const roundColumns = `id, mode, status, start_price::text, end_price::text, start_time, end_time, resolved_at,
	up_pool::text, down_pool::text, total_pool::text, forfeited::text,
	outcome, winning_side, winning_range, created_at, updated_at`

// RoundStore implements domain.RoundStore using PostgreSQL.
type RoundStore struct {
	pool *pgxpool.Pool
}

// NewRoundStore creates a RoundStore backed by the given connection pool.
func NewRoundStore(pool *pgxpool.Pool) *RoundStore {
	return &RoundStore{pool: pool}
}

// Create inserts the round and its ranges. The partial unique index on
// rounds(mode) WHERE status = 'ACTIVE' rejects a second active round.
func (s *RoundStore) Create(ctx context.Context, r domain.Round) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const query = `
			INSERT INTO rounds (
				id, mode, status, start_price, start_time, end_time,
				up_pool, down_pool, total_pool, forfeited, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
		_, err := tx.Exec(ctx, query,
			r.ID, string(r.Mode), string(r.Status), r.StartPrice.String(), r.StartTime, r.EndTime,
			r.UpPool.String(), r.DownPool.String(), r.TotalPool.String(), r.Forfeited.String(),
			r.CreatedAt, r.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create round %s: %w", r.Mode, domain.ErrActiveRoundExists)
		}
		if err != nil {
			return fmt.Errorf("postgres: create round %s: %w", r.ID, err)
		}

		if len(r.Ranges) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, rp := range r.Ranges {
			batch.Queue(`INSERT INTO round_ranges (round_id, idx, range_min, range_max, pool) VALUES ($1, $2, $3, $4, $5)`,
				r.ID, rp.Index, rp.Min.String(), rp.Max.String(), rp.Pool.String())
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: create round ranges %s: %w", r.ID, err)
		}
		return nil
	})
}

// GetByID returns the round with its ranges.
func (s *RoundStore) GetByID(ctx context.Context, id string) (domain.Round, error) {
	return getRound(ctx, s.pool, id, false)
}

// List returns rounds matching filter, most recent first.
func (s *RoundStore) List(ctx context.Context, filter domain.RoundFilter) ([]domain.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE 1=1`
	args := []any{}
	argIdx := 1

	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, statusStrings(filter.Statuses))
		argIdx++
	}
	if filter.Mode != "" {
		query += fmt.Sprintf(" AND mode = $%d", argIdx)
		args = append(args, string(filter.Mode))
		argIdx++
	}
	if filter.EndBefore != nil {
		query += fmt.Sprintf(" AND end_time <= $%d", argIdx)
		args = append(args, *filter.EndBefore)
		argIdx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND start_time >= $%d", argIdx)
		args = append(args, *filter.Since)
		argIdx++
	}
	if filter.Until != nil {
		query += fmt.Sprintf(" AND start_time <= $%d", argIdx)
		args = append(args, *filter.Until)
		argIdx++
	}

	query += " ORDER BY start_time DESC, id"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	return listRounds(ctx, s.pool, query, args...)
}

// TransitionStatus moves the round to `to` only from one of `from`.
func (s *RoundStore) TransitionStatus(ctx context.Context, id string, from []domain.RoundStatus, to domain.RoundStatus) (bool, error) {
	const query = `UPDATE rounds SET status = $1, updated_at = NOW() WHERE id = $2 AND status = ANY($3)`
	tag, err := s.pool.Exec(ctx, query, string(to), id, statusStrings(from))
	if isUniqueViolation(err) {
		return false, fmt.Errorf("postgres: transition round %s: %w", id, domain.ErrActiveRoundExists)
	}
	if err != nil {
		return false, fmt.Errorf("postgres: transition round %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func getRound(ctx context.Context, db dbtx, id string, forUpdate bool) (domain.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	r, err := scanRound(db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Round{}, fmt.Errorf("postgres: get round %s: %w", id, domain.ErrRoundNotFound)
	}
	if err != nil {
		return domain.Round{}, fmt.Errorf("postgres: get round %s: %w", id, err)
	}
	if err := attachRanges(ctx, db, []*domain.Round{&r}); err != nil {
		return domain.Round{}, err
	}
	return r, nil
}

func listRounds(ctx context.Context, db dbtx, query string, args ...any) ([]domain.Round, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rounds: %w", err)
	}
	var rounds []domain.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan round: %w", err)
		}
		rounds = append(rounds, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list rounds rows: %w", err)
	}

	ptrs := make([]*domain.Round, len(rounds))
	for i := range rounds {
		ptrs[i] = &rounds[i]
	}
	if err := attachRanges(ctx, db, ptrs); err != nil {
		return nil, err
	}
	return rounds, nil
}

func scanRound(row pgx.Row) (domain.Round, error) {
	var (
		r                     domain.Round
		mode, status, outcome string
		side                  string
		resolvedAt            *time.Time
	)
	err := row.Scan(
		&r.ID, &mode, &status, &r.StartPrice, &r.EndPrice, &r.StartTime, &r.EndTime, &resolvedAt,
		&r.UpPool, &r.DownPool, &r.TotalPool, &r.Forfeited,
		&outcome, &side, &r.WinningRange, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.Round{}, err
	}
	r.Mode = domain.Mode(mode)
	r.Status = domain.RoundStatus(status)
	r.Outcome = domain.Outcome(outcome)
	r.WinningSide = domain.Side(side)
	r.ResolvedAt = resolvedAt
	return r, nil
}

func attachRanges(ctx context.Context, db dbtx, rounds []*domain.Round) error {
	byID := make(map[string]*domain.Round)
	var ids []string
	for _, r := range rounds {
		if r.Mode == domain.ModeRange {
			byID[r.ID] = r
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	const query = `SELECT round_id, idx, range_min::text, range_max::text, pool::text
		FROM round_ranges WHERE round_id = ANY($1) ORDER BY round_id, idx`
	rows, err := db.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("postgres: load round ranges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			roundID string
			rp      domain.RangePool
		)
		if err := rows.Scan(&roundID, &rp.Index, &rp.Min, &rp.Max, &rp.Pool); err != nil {
			return fmt.Errorf("postgres: scan round range: %w", err)
		}
		if r, ok := byID[roundID]; ok {
			r.Ranges = append(r.Ranges, rp)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: load round ranges rows: %w", err)
	}
	return nil
}
