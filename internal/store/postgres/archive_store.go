package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictarena/internal/domain"
)

// ArchiveStore implements domain.ArchiveStore using PostgreSQL.
type ArchiveStore struct {
	pool *pgxpool.Pool
}

// ListFinishedBefore returns RESOLVED or CANCELLED rounds last updated before
// the cutoff, oldest first.
func (s *ArchiveStore) ListFinishedBefore(ctx context.Context, before time.Time, limit int) ([]domain.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds
		WHERE status IN ('RESOLVED', 'CANCELLED') AND updated_at < $1
		ORDER BY updated_at, id`
	args := []any{before}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return listRounds(ctx, s.pool, query, args...)
}

// Purge deletes finished rounds; ranges and stakes go with them via
// ON DELETE CASCADE.
func (s *ArchiveStore) Purge(ctx context.Context, roundIDs []string) (int64, error) {
	if len(roundIDs) == 0 {
		return 0, nil
	}
	const query = `DELETE FROM rounds WHERE id = ANY($1) AND status IN ('RESOLVED', 'CANCELLED')`
	tag, err := s.pool.Exec(ctx, query, roundIDs)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge rounds: %w", err)
	}
	return tag.RowsAffected(), nil
}
