package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictarena/internal/domain"
)

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

func pgError(err error) *pgconn.PgError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr
	}
	return nil
}

func isUniqueViolation(err error) bool {
	pgErr := pgError(err)
	return pgErr != nil && pgErr.Code == codeUniqueViolation
}

// Store implements domain.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*Store)(nil)

// NewStore creates a Store backed by the client's pool.
func NewStore(c *Client) *Store {
	return &Store{pool: c.Pool()}
}

func (s *Store) Rounds() domain.RoundStore             { return &RoundStore{pool: s.pool} }
func (s *Store) Stakes() domain.StakeStore             { return &StakeStore{pool: s.pool} }
func (s *Store) Participants() domain.ParticipantStore { return &ParticipantStore{pool: s.pool} }
func (s *Store) Audit() domain.AuditStore              { return &AuditStore{db: s.pool} }
func (s *Store) Archive() domain.ArchiveStore          { return &ArchiveStore{pool: s.pool} }

// Ping checks a pooled connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op; the Client owns the pool.
func (s *Store) Close() error {
	return nil
}

// WithinTx runs fn in a READ COMMITTED transaction. Correctness comes from
// row locks taken by the conditional updates, not from the isolation level.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}

	if err := fn(ctx, &Tx{tx: pgTx}); err != nil {
		if rbErr := pgTx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("postgres: rollback: %w", rbErr))
		}
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func statusStrings(statuses []domain.RoundStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
