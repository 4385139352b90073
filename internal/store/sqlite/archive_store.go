package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alanyoungcy/predictarena/internal/domain"
)

// ArchiveStore implements domain.ArchiveStore.
type ArchiveStore struct {
	db *sql.DB
}

// ListFinishedBefore returns RESOLVED or CANCELLED rounds last updated before
// the cutoff, oldest first.
func (s *ArchiveStore) ListFinishedBefore(ctx context.Context, before time.Time, limit int) ([]domain.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds
		WHERE status IN ('RESOLVED', 'CANCELLED') AND updated_at < ?
		ORDER BY updated_at, id`
	args := []any{formatTime(before)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return listRounds(ctx, s.db, query, args...)
}

// Purge deletes the rounds together with their ranges and stakes.
func (s *ArchiveStore) Purge(ctx context.Context, roundIDs []string) (int64, error) {
	if len(roundIDs) == 0 {
		return 0, nil
	}
	args := make([]any, len(roundIDs))
	for i, id := range roundIDs {
		args[i] = id
	}
	in := `(` + placeholders(len(roundIDs)) + `)`
	finished := `(SELECT id FROM rounds WHERE status IN ('RESOLVED', 'CANCELLED') AND id IN ` + in + `)`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin purge: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM stakes WHERE round_id IN `+finished, args...); err != nil {
		return 0, fmt.Errorf("sqlite: purge stakes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM round_ranges WHERE round_id IN `+finished, args...); err != nil {
		return 0, fmt.Errorf("sqlite: purge round ranges: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM rounds WHERE status IN ('RESOLVED', 'CANCELLED') AND id IN `+in, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge rounds: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge rounds rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit purge: %w", err)
	}
	return n, nil
}
