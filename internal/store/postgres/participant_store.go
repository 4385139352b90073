package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictarena/internal/domain"
)

// ParticipantStore implements domain.ParticipantStore using PostgreSQL.
type ParticipantStore struct {
	pool *pgxpool.Pool
}

// NewParticipantStore creates a ParticipantStore backed by the given pool.
func NewParticipantStore(pool *pgxpool.Pool) *ParticipantStore {
	return &ParticipantStore{pool: pool}
}

// Create inserts a participant with its opening balance.
func (s *ParticipantStore) Create(ctx context.Context, p domain.Participant) error {
	const query = `INSERT INTO participants (id, address, balance, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, query, p.ID, p.Address, p.Balance.String(), p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: create participant %s: %w", p.Address, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create participant %s: %w", p.ID, err)
	}
	return nil
}

// GetByID returns the participant.
func (s *ParticipantStore) GetByID(ctx context.Context, id string) (domain.Participant, error) {
	return getParticipant(ctx, s.pool, id)
}

func getParticipant(ctx context.Context, db dbtx, id string) (domain.Participant, error) {
	const query = `SELECT id, address, balance::text, created_at, updated_at FROM participants WHERE id = $1`
	var p domain.Participant
	err := db.QueryRow(ctx, query, id).Scan(&p.ID, &p.Address, &p.Balance, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Participant{}, fmt.Errorf("postgres: get participant %s: %w", id, domain.ErrParticipantNotFound)
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("postgres: get participant %s: %w", id, err)
	}
	return p, nil
}
