package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
	"github.com/alanyoungcy/predictarena/internal/stake"
)

// StakeService places stakes.
type StakeService interface {
	SubmitStake(ctx context.Context, req stake.Request) (domain.Stake, error)
}

// StakeHandler serves stake placement.
type StakeHandler struct {
	stakes StakeService
	logger *slog.Logger
}

// NewStakeHandler creates a StakeHandler.
func NewStakeHandler(stakes StakeService, logger *slog.Logger) *StakeHandler {
	return &StakeHandler{stakes: stakes, logger: logger.With(slog.String("handler", "stakes"))}
}

type stakeRequest struct {
	ParticipantID string             `json:"participant_id"`
	RoundID       string             `json:"round_id"`
	Amount        numeric.Decimal    `json:"amount"`
	Side          string             `json:"side,omitempty"`
	Range         *domain.PriceRange `json:"range,omitempty"`
}

// PlaceStake places one stake on an ACTIVE round.
// POST /api/stakes
func (h *StakeHandler) PlaceStake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.ParticipantID == "" || req.RoundID == "" {
		writeError(w, http.StatusBadRequest, "participant_id and round_id are required")
		return
	}

	s, err := h.stakes.SubmitStake(r.Context(), stake.Request{
		ParticipantID: req.ParticipantID,
		RoundID:       req.RoundID,
		Amount:        req.Amount,
		Side:          domain.Side(req.Side),
		Range:         req.Range,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "place stake", err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}
