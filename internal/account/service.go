// Package account registers participants and reads their balances and
// stake history.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// Service manages participants.
type Service struct {
	participants domain.ParticipantStore
	stakes       domain.StakeStore
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a Service.
func NewService(participants domain.ParticipantStore, stakes domain.StakeStore, logger *slog.Logger) *Service {
	return &Service{
		participants: participants,
		stakes:       stakes,
		logger:       logger.With(slog.String("component", "account")),
		now:          time.Now,
	}
}

// Register creates a participant with an opening balance. The address must
// be unique.
func (s *Service) Register(ctx context.Context, address string, opening numeric.Decimal) (domain.Participant, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return domain.Participant{}, errors.New("account: address is required")
	}
	if opening.IsNegative() {
		return domain.Participant{}, fmt.Errorf("account: opening balance: %w", domain.ErrInvalidAmount)
	}

	now := s.now().UTC()
	p := domain.Participant{
		ID:        uuid.NewString(),
		Address:   address,
		Balance:   opening,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.participants.Create(ctx, p); err != nil {
		return domain.Participant{}, fmt.Errorf("account: register %s: %w", address, err)
	}

	s.logger.InfoContext(ctx, "account: registered",
		slog.String("participant_id", p.ID),
		slog.String("address", p.Address),
		slog.Any("balance", p.Balance),
	)
	return p, nil
}

// Get returns one participant.
func (s *Service) Get(ctx context.Context, id string) (domain.Participant, error) {
	p, err := s.participants.GetByID(ctx, id)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("account: get %s: %w", id, err)
	}
	return p, nil
}

// Stakes returns a participant's stakes, newest first.
func (s *Service) Stakes(ctx context.Context, id string, opts domain.ListOpts) ([]domain.Stake, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	stakes, err := s.stakes.ListByParticipant(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("account: stakes %s: %w", id, err)
	}
	return stakes, nil
}
