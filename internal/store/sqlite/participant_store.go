package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alanyoungcy/predictarena/internal/domain"
)

// ParticipantStore implements domain.ParticipantStore.
type ParticipantStore struct {
	db *sql.DB
}

// Create inserts a participant with its opening balance.
func (s *ParticipantStore) Create(ctx context.Context, p domain.Participant) error {
	const query = `INSERT INTO participants (id, address, balance, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, p.ID, p.Address, p.Balance, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("sqlite: create participant %s: %w", p.Address, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("sqlite: create participant %s: %w", p.ID, err)
	}
	return nil
}

// GetByID returns the participant.
func (s *ParticipantStore) GetByID(ctx context.Context, id string) (domain.Participant, error) {
	return getParticipant(ctx, s.db, id)
}

func getParticipant(ctx context.Context, q querier, id string) (domain.Participant, error) {
	const query = `SELECT id, address, balance, created_at, updated_at FROM participants WHERE id = ?`
	var (
		p                  domain.Participant
		createdT, updatedT string
	)
	err := q.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Address, &p.Balance, &createdT, &updatedT)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, fmt.Errorf("sqlite: get participant %s: %w", id, domain.ErrParticipantNotFound)
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("sqlite: get participant %s: %w", id, err)
	}
	if p.CreatedAt, err = parseTime(createdT); err != nil {
		return domain.Participant{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedT); err != nil {
		return domain.Participant{}, err
	}
	return p, nil
}
